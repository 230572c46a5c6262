package certstore

import (
	"errors"
	"path"
)

const (
	DefaultUserDirectory    = "/data/misc/keychain/cacerts-added"
	DefaultSystemDirectory  = "/system/etc/security/cacerts"
	DefaultSystemMountPoint = "/system"
)

var (
	// ErrNotFound reports that the certificate file does not exist in its store.
	ErrNotFound = errors.New("certificate not found")
	// ErrAlreadyExists reports that the destination store already holds a certificate with the same name.
	ErrAlreadyExists = errors.New("certificate already exists")
	// ErrNotUserCertificate reports an attempt to promote a certificate that is already in the system store.
	ErrNotUserCertificate = errors.New("certificate is not in the user store")
	// ErrPrivilegedCommand reports that a command issued through the privileged runner failed.
	ErrPrivilegedCommand = errors.New("privileged command failed")
)

// Certificate identifies a certificate file by name and store. Two values are equal
// when both the file name and the store match.
type Certificate struct {
	FileName string `json:"file_name" yaml:"file_name"`
	System   bool   `json:"system" yaml:"system"`
}

// NewCertificate constructs a Certificate descriptor.
func NewCertificate(fileName string, system bool) Certificate {
	return Certificate{FileName: fileName, System: system}
}

// Path resolves the absolute location of the certificate within layout.
func (certificate Certificate) Path(layout Layout) string {
	return path.Join(layout.Directory(certificate.System), certificate.FileName)
}

// StoreName returns "system" or "user".
func (certificate Certificate) StoreName() string {
	if certificate.System {
		return "system"
	}
	return "user"
}

// Layout names the on-device locations of both certificate stores.
type Layout struct {
	UserDirectory    string
	SystemDirectory  string
	SystemMountPoint string
}

// DefaultLayout returns the stock Android locations.
func DefaultLayout() Layout {
	return Layout{
		UserDirectory:    DefaultUserDirectory,
		SystemDirectory:  DefaultSystemDirectory,
		SystemMountPoint: DefaultSystemMountPoint,
	}
}

// Directory returns the system or user directory.
func (layout Layout) Directory(system bool) string {
	if system {
		return layout.SystemDirectory
	}
	return layout.UserDirectory
}

func (layout Layout) withDefaults() Layout {
	if layout.UserDirectory == "" {
		layout.UserDirectory = DefaultUserDirectory
	}
	if layout.SystemDirectory == "" {
		layout.SystemDirectory = DefaultSystemDirectory
	}
	if layout.SystemMountPoint == "" {
		layout.SystemMountPoint = DefaultSystemMountPoint
	}
	return layout
}

// ChangeKind classifies a store change.
type ChangeKind string

const (
	ChangeDeleted  ChangeKind = "deleted"
	ChangeMoved    ChangeKind = "moved"
	ChangeExternal ChangeKind = "external"
)

// Change describes a mutation of the certificate stores.
type Change struct {
	Kind        ChangeKind
	Certificate Certificate
}

// Listener observes store mutations.
type Listener interface {
	CertificatesChanged(change Change)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(change Change)

// CertificatesChanged calls listenerFunc.
func (listenerFunc ListenerFunc) CertificatesChanged(change Change) {
	listenerFunc(change)
}
