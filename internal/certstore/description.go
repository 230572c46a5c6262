package certstore

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tyemirov/zertman/internal/shell"
)

const (
	certificatePemBlockType    = "CERTIFICATE"
	placeholderSummary         = "Unknown certificate"
	placeholderDetailTemplate  = "%s could not be read"
	placeholderDetailAnonymous = "Certificate could not be read"
	issuerDetailTemplate       = "Issued by %s"
)

// Description is a human-readable label pair for a certificate. Summary and Detail
// are never empty and never equal.
type Description struct {
	Summary string `json:"summary" yaml:"summary"`
	Detail  string `json:"detail" yaml:"detail"`
}

// ContentReader loads raw certificate bytes.
type ContentReader interface {
	ReadCertificate(ctx context.Context, certificatePath string) ([]byte, error)
}

// ShellContentReader reads certificate files through the privileged runner. The
// user store is not readable without root, and base64 keeps DER content intact
// across the line-oriented runner.
type ShellContentReader struct {
	commandRunner shell.Runner
}

// NewShellContentReader constructs a ShellContentReader.
func NewShellContentReader(commandRunner shell.Runner) ShellContentReader {
	return ShellContentReader{commandRunner: commandRunner}
}

// ReadCertificate returns the decoded content of certificatePath.
func (reader ShellContentReader) ReadCertificate(ctx context.Context, certificatePath string) ([]byte, error) {
	lines, err := reader.commandRunner.Run(ctx, fmt.Sprintf("base64 %s", shell.Quote(certificatePath)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", certificatePath, err)
	}
	content, decodeErr := base64.StdEncoding.DecodeString(strings.Join(lines, ""))
	if decodeErr != nil {
		return nil, fmt.Errorf("decode %s: %w", certificatePath, decodeErr)
	}
	return content, nil
}

// LocalContentReader reads certificate files from the local filesystem.
type LocalContentReader struct{}

// ReadCertificate returns the content of certificatePath.
func (LocalContentReader) ReadCertificate(ctx context.Context, certificatePath string) ([]byte, error) {
	return os.ReadFile(certificatePath)
}

// ParseCertificate decodes the first PEM certificate block in content, or content
// itself as DER. Android stores PEM followed by an openssl text dump, which is ignored.
func ParseCertificate(content []byte) (*x509.Certificate, error) {
	remaining := content
	for {
		block, rest := pem.Decode(remaining)
		if block == nil {
			break
		}
		if block.Type == certificatePemBlockType {
			return x509.ParseCertificate(block.Bytes)
		}
		remaining = rest
	}
	certificate, err := x509.ParseCertificate(content)
	if err != nil {
		return nil, errors.New("content is not a recognizable certificate")
	}
	return certificate, nil
}

// describeContent derives a Description from certificate content.
func describeContent(content []byte) (Description, error) {
	certificate, err := ParseCertificate(content)
	if err != nil {
		return Description{}, err
	}
	summary := nameLabel(certificate.Subject)
	detail := fmt.Sprintf(issuerDetailTemplate, nameLabel(certificate.Issuer))
	if summary == "" {
		return Description{}, errors.New("certificate subject is empty")
	}
	return Description{Summary: summary, Detail: detail}, nil
}

func nameLabel(name pkix.Name) string {
	for _, organization := range name.Organization {
		if trimmed := strings.TrimSpace(organization); trimmed != "" {
			return trimmed
		}
	}
	if trimmed := strings.TrimSpace(name.CommonName); trimmed != "" {
		return trimmed
	}
	return strings.TrimSpace(name.String())
}

func placeholderDescription(certificate Certificate) Description {
	detail := placeholderDetailAnonymous
	if certificate.FileName != "" {
		detail = fmt.Sprintf(placeholderDetailTemplate, certificate.FileName)
	}
	return Description{Summary: placeholderSummary, Detail: detail}
}
