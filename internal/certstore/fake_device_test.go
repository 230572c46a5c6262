package certstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tyemirov/zertman/internal/shell"
)

const (
	testUserDirectory   = "/data/misc/keychain/cacerts-added"
	testSystemDirectory = "/system/etc/security/cacerts"
	testMountPoint      = "/system"
	copiedFileMode      = "-rw-------"
)

type fakeFile struct {
	content []byte
	mode    string
}

// fakeDevice is an in-memory rooted device: it interprets the shell commands the
// store issues against a file map and a mount flag for /system.
type fakeDevice struct {
	mutex      sync.Mutex
	files      map[string]fakeFile
	readWrite  bool
	commands   []string
	failPrefix map[string]bool
	missing    map[string]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{files: map[string]fakeFile{}, failPrefix: map[string]bool{}, missing: map[string]bool{}}
}

// removeDirectory makes directory absent until a file is put into it.
func (device *fakeDevice) removeDirectory(directory string) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.missing[directory] = true
}

func (device *fakeDevice) putFile(filePath string, content []byte) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.files[filePath] = fakeFile{content: content, mode: "-rw-r--r--"}
	delete(device.missing, path.Dir(filePath))
}

func (device *fakeDevice) hasFile(filePath string) bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	_, exists := device.files[filePath]
	return exists
}

func (device *fakeDevice) fileNames() []string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	names := make([]string, 0, len(device.files))
	for filePath := range device.files {
		names = append(names, filePath)
	}
	sort.Strings(names)
	return names
}

func (device *fakeDevice) isReadWrite() bool {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return device.readWrite
}

// failCommands makes every command starting with prefix fail.
func (device *fakeDevice) failCommands(prefix string) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.failPrefix[prefix] = true
}

func (device *fakeDevice) executed() []string {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	return append([]string{}, device.commands...)
}

func (device *fakeDevice) Run(ctx context.Context, command string) ([]string, error) {
	device.mutex.Lock()
	defer device.mutex.Unlock()
	device.commands = append(device.commands, command)
	for prefix := range device.failPrefix {
		if strings.HasPrefix(command, prefix) {
			return nil, fmt.Errorf("%w: %s: injected failure", shell.ErrCommandFailed, command)
		}
	}
	arguments := splitShellWords(command)
	if len(arguments) == 0 {
		return nil, device.failure(command, "empty command")
	}
	switch arguments[0] {
	case "ls":
		return device.list(command, arguments[1:])
	case "rm":
		return device.remove(command, arguments[1:])
	case "cp":
		return device.copyFile(command, arguments[1:])
	case "mv":
		return device.moveFile(command, arguments[1:])
	case "chmod":
		return device.changeMode(command, arguments[1:])
	case "stat":
		return device.stat(command, arguments[1:])
	case "base64":
		return device.encode(command, arguments[1:])
	case "mount":
		return device.mount(command, arguments[1:])
	default:
		return nil, device.failure(command, "not found")
	}
}

func (device *fakeDevice) failure(command string, reason string) error {
	return fmt.Errorf("%w: %s: %s", shell.ErrCommandFailed, command, reason)
}

func (device *fakeDevice) writable(filePath string) bool {
	return device.readWrite || !strings.HasPrefix(filePath, testMountPoint+"/")
}

func (device *fakeDevice) list(command string, arguments []string) ([]string, error) {
	if len(arguments) == 2 && arguments[0] == "-1" {
		if device.missing[arguments[1]] {
			return nil, device.failure(command, "No such file or directory")
		}
		names := []string{}
		for filePath := range device.files {
			if path.Dir(filePath) == arguments[1] {
				names = append(names, path.Base(filePath))
			}
		}
		sort.Strings(names)
		return names, nil
	}
	if len(arguments) == 1 {
		if _, exists := device.files[arguments[0]]; exists {
			return []string{arguments[0]}, nil
		}
		if device.isDirectory(arguments[0]) {
			return []string{}, nil
		}
		return nil, device.failure(command, "No such file or directory")
	}
	return nil, device.failure(command, "unsupported ls")
}

func (device *fakeDevice) isDirectory(directory string) bool {
	if device.missing[directory] {
		return false
	}
	if directory == testUserDirectory || directory == testSystemDirectory {
		return true
	}
	for filePath := range device.files {
		if path.Dir(filePath) == directory {
			return true
		}
	}
	return false
}

func (device *fakeDevice) remove(command string, arguments []string) ([]string, error) {
	force := false
	if len(arguments) == 2 && arguments[0] == "-f" {
		force = true
		arguments = arguments[1:]
	}
	if len(arguments) != 1 {
		return nil, device.failure(command, "unsupported rm")
	}
	target := arguments[0]
	if _, exists := device.files[target]; !exists {
		if force {
			return []string{}, nil
		}
		return nil, device.failure(command, "No such file or directory")
	}
	if !device.writable(target) {
		return nil, device.failure(command, "Read-only file system")
	}
	delete(device.files, target)
	return []string{}, nil
}

func (device *fakeDevice) copyFile(command string, arguments []string) ([]string, error) {
	if len(arguments) != 2 {
		return nil, device.failure(command, "unsupported cp")
	}
	source, exists := device.files[arguments[0]]
	if !exists {
		return nil, device.failure(command, "No such file or directory")
	}
	if !device.writable(arguments[1]) {
		return nil, device.failure(command, "Read-only file system")
	}
	device.files[arguments[1]] = fakeFile{content: append([]byte{}, source.content...), mode: copiedFileMode}
	return []string{}, nil
}

func (device *fakeDevice) moveFile(command string, arguments []string) ([]string, error) {
	if len(arguments) != 2 {
		return nil, device.failure(command, "unsupported mv")
	}
	source, exists := device.files[arguments[0]]
	if !exists {
		return nil, device.failure(command, "No such file or directory")
	}
	if !device.writable(arguments[0]) || !device.writable(arguments[1]) {
		return nil, device.failure(command, "Read-only file system")
	}
	delete(device.files, arguments[0])
	device.files[arguments[1]] = source
	return []string{}, nil
}

func (device *fakeDevice) changeMode(command string, arguments []string) ([]string, error) {
	if len(arguments) != 2 {
		return nil, device.failure(command, "unsupported chmod")
	}
	target, exists := device.files[arguments[1]]
	if !exists {
		return nil, device.failure(command, "No such file or directory")
	}
	if !device.writable(arguments[1]) {
		return nil, device.failure(command, "Read-only file system")
	}
	octal, err := strconv.ParseUint(arguments[0], 8, 32)
	if err != nil {
		return nil, device.failure(command, "bad mode")
	}
	target.mode = symbolicMode(octal)
	device.files[arguments[1]] = target
	return []string{}, nil
}

func (device *fakeDevice) stat(command string, arguments []string) ([]string, error) {
	if len(arguments) != 3 || arguments[0] != "-c" || arguments[1] != "%A" {
		return nil, device.failure(command, "unsupported stat")
	}
	target, exists := device.files[arguments[2]]
	if !exists {
		return nil, device.failure(command, "No such file or directory")
	}
	return []string{target.mode}, nil
}

func (device *fakeDevice) encode(command string, arguments []string) ([]string, error) {
	if len(arguments) != 1 {
		return nil, device.failure(command, "unsupported base64")
	}
	target, exists := device.files[arguments[0]]
	if !exists {
		return nil, device.failure(command, "No such file or directory")
	}
	encoded := base64.StdEncoding.EncodeToString(target.content)
	lines := []string{}
	for len(encoded) > 76 {
		lines = append(lines, encoded[:76])
		encoded = encoded[76:]
	}
	return append(lines, encoded), nil
}

func (device *fakeDevice) mount(command string, arguments []string) ([]string, error) {
	if len(arguments) == 0 {
		mode := "ro"
		if device.readWrite {
			mode = "rw"
		}
		return []string{
			"rootfs on / type rootfs (ro,seclabel,relatime)",
			fmt.Sprintf("/dev/block/dm-0 on %s type ext4 (%s,seclabel,relatime)", testMountPoint, mode),
			"/dev/block/dm-2 on /data type ext4 (rw,seclabel,nosuid,nodev)",
		}, nil
	}
	if len(arguments) == 3 && arguments[0] == "-o" && arguments[2] == testMountPoint {
		switch arguments[1] {
		case "remount,rw":
			device.readWrite = true
			return []string{}, nil
		case "remount,ro":
			device.readWrite = false
			return []string{}, nil
		}
	}
	return nil, device.failure(command, "unsupported mount")
}

func symbolicMode(octal uint64) string {
	const letters = "rwx"
	var builder strings.Builder
	builder.WriteByte('-')
	for bit := 8; bit >= 0; bit-- {
		if octal&(1<<uint(bit)) != 0 {
			builder.WriteByte(letters[(8-bit)%3])
			continue
		}
		builder.WriteByte('-')
	}
	return builder.String()
}

// splitShellWords understands the single quoting produced by shell.Quote.
func splitShellWords(command string) []string {
	words := []string{}
	var current strings.Builder
	inWord := false
	inQuote := false
	for index := 0; index < len(command); index++ {
		character := command[index]
		switch {
		case inQuote && character == '\'':
			inQuote = false
		case inQuote:
			current.WriteByte(character)
		case character == '\'':
			inQuote = true
			inWord = true
		case character == '\\' && index+1 < len(command):
			index++
			current.WriteByte(command[index])
			inWord = true
		case character == ' ':
			if inWord {
				words = append(words, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteByte(character)
			inWord = true
		}
	}
	if inWord {
		words = append(words, current.String())
	}
	return words
}
