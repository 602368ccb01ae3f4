package source

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/pkg/archive"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

// MaxUploadBytes caps a decoded upload archive.
const MaxUploadBytes = 256 << 20

// Unpack writes an uploaded build context into dest. archiveB64 is a base64
// tar or tar.gz; when it is empty, dockerfile is written as the only file.
func Unpack(dest, archiveB64, dockerfile string) error {
	archiveB64 = strings.TrimSpace(archiveB64)
	if archiveB64 == "" {
		if strings.TrimSpace(dockerfile) == "" {
			return domain.Validationf("upload needs an archive or a dockerfile")
		}
		return os.WriteFile(filepath.Join(dest, domain.DefaultDockerfile), []byte(dockerfile), 0o644)
	}
	if base64.StdEncoding.DecodedLen(len(archiveB64)) > MaxUploadBytes {
		return domain.Validationf("upload archive exceeds %d bytes", MaxUploadBytes)
	}
	raw, err := base64.StdEncoding.DecodeString(archiveB64)
	if err != nil {
		return domain.Validationf("upload archive is not valid base64")
	}
	if err := archive.Untar(bytes.NewReader(raw), dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("%w: unpack upload archive: %v", domain.ErrValidation, err)
	}
	if dockerfile != "" {
		if err := os.WriteFile(filepath.Join(dest, domain.DefaultDockerfile), []byte(dockerfile), 0o644); err != nil {
			return fmt.Errorf("write dockerfile: %w", err)
		}
	}
	return nil
}
