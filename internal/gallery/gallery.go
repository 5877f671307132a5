// Package gallery loads the directory of reference photos whose file names
// are the identities the face service should recognize.
package gallery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Reference is one reference photo.
type Reference struct {
	Identity string
	Path     string
}

// Enroller registers a reference image with the face service.
type Enroller interface {
	Enroll(ctx context.Context, identity string, image []byte, filename string) error
}

// EnrollerFunc adapts a function to Enroller.
type EnrollerFunc func(ctx context.Context, identity string, image []byte, filename string) error

func (f EnrollerFunc) Enroll(ctx context.Context, identity string, image []byte, filename string) error {
	return f(ctx, identity, image, filename)
}

// Summary reports the outcome of EnrollAll.
type Summary struct {
	Enrolled []string          `json:"enrolled"`
	Failed   map[string]string `json:"failed,omitempty"`
}

// IdentityFromFilename derives the identity label from a reference photo name.
func IdentityFromFilename(name string) string {
	base := filepath.Base(name)
	return strings.ToUpper(strings.TrimSuffix(base, filepath.Ext(base)))
}

// LoadDir lists the reference photos in dir, sorted by identity.
func LoadDir(dir string) ([]Reference, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read gallery %s: %w", dir, err)
	}

	var refs []Reference
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		id := IdentityFromFilename(e.Name())
		if id == "" {
			continue
		}
		refs = append(refs, Reference{Identity: id, Path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Identity < refs[j].Identity })
	return refs, nil
}

// EnrollAll enrolls every reference. A failing photo does not stop the rest.
func EnrollAll(ctx context.Context, enroller Enroller, refs []Reference, log zerolog.Logger) Summary {
	sum := Summary{Enrolled: []string{}, Failed: map[string]string{}}
	for _, ref := range refs {
		if ctx.Err() != nil {
			sum.Failed[ref.Identity] = ctx.Err().Error()
			continue
		}
		img, err := os.ReadFile(ref.Path)
		if err == nil {
			err = enroller.Enroll(ctx, ref.Identity, img, filepath.Base(ref.Path))
		}
		if err != nil {
			log.Warn().Err(err).Str("identity", ref.Identity).Str("path", ref.Path).Msg("enroll reference failed")
			sum.Failed[ref.Identity] = err.Error()
			continue
		}
		sum.Enrolled = append(sum.Enrolled, ref.Identity)
	}
	log.Info().Int("enrolled", len(sum.Enrolled)).Int("failed", len(sum.Failed)).Msg("gallery loaded")
	return sum
}
