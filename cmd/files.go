package cmd

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/scenepilot/internal/control"
	"github.com/xkilldash9x/scenepilot/internal/store"
)

// promptFile is the document read by `run -f`. A bare YAML list of strings is
// accepted as well.
type promptFile struct {
	Image   string   `yaml:"image"`
	Prompts []string `yaml:"prompts"`
}

// queueFile is the document read by `queue -f` and watched by `serve --queue-file`.
type queueFile struct {
	Entries []control.Entry `yaml:"entries"`
}

var imageTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
}

// loadPromptFile reads a flow definition. imageOverride, when set, replaces
// the file's image.
func loadPromptFile(path, imageOverride string) ([]string, string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read prompt file: %w", err)
	}

	var doc promptFile
	var list []string
	if err := yaml.Unmarshal(raw, &list); err == nil {
		doc.Prompts = list
	} else if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("failed to parse prompt file %s: %w", path, err)
	}

	image := doc.Image
	base := filepath.Dir(path)
	if imageOverride != "" {
		image, base = imageOverride, ""
	}
	seed, err := resolveImage(base, image)
	if err != nil {
		return nil, "", err
	}

	if err := control.ValidateItems("prompts", doc.Prompts); err != nil {
		return nil, "", err
	}
	if err := control.ValidateImage("image", seed); err != nil {
		return nil, "", err
	}
	return doc.Prompts, seed, nil
}

// loadQueueFile reads and validates a queue definition. Entry images given as
// paths are resolved relative to the file.
func loadQueueFile(path string) ([]control.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	var doc queueFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse queue file %s: %w", path, err)
	}
	for i := range doc.Entries {
		if doc.Entries[i].Image, err = resolveImage(filepath.Dir(path), doc.Entries[i].Image); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
	}
	if _, err := control.ValidateEntries(doc.Entries); err != nil {
		return nil, err
	}
	return doc.Entries, nil
}

// loadQueueSequences is loadQueueFile converted for the driver.
func loadQueueSequences(path string) ([]store.Sequence, error) {
	entries, err := loadQueueFile(path)
	if err != nil {
		return nil, err
	}
	return control.ValidateEntries(entries)
}

// resolveImage turns an image reference into a data URL. Data URLs pass
// through; anything else is a file path, relative to base when not absolute.
func resolveImage(base, ref string) (string, error) {
	if ref == "" || strings.HasPrefix(ref, "data:") {
		return ref, nil
	}
	path := ref
	if !filepath.IsAbs(path) && base != "" {
		path = filepath.Join(base, path)
	}
	mediaType, ok := imageTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return "", fmt.Errorf("unsupported image type %q (want jpeg, png, gif or webp)", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
