package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"pulsemap/core-go/internal/overlay"
)

var hexColor = regexp.MustCompile(`^#(?:[0-9a-fA-F]{3}|[0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// LoadStyle reads the YAML style file at path. Omitted fields fall back to
// overlay.DefaultStyle.
func LoadStyle(path string) (overlay.Style, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return overlay.Style{}, fmt.Errorf("read style %q: %w", path, err)
	}
	st, err := ParseStyle(b)
	if err != nil {
		return overlay.Style{}, fmt.Errorf("style %q: %w", path, err)
	}
	return st, nil
}

// ParseStyle decodes a style document. Unknown keys are rejected so typos
// do not silently fall back to defaults.
func ParseStyle(b []byte) (overlay.Style, error) {
	var st overlay.Style
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&st); err != nil && !errors.Is(err, io.EOF) {
		return overlay.Style{}, fmt.Errorf("decode: %w", err)
	}
	if err := validateStyle(st); err != nil {
		return overlay.Style{}, err
	}
	return st.WithDefaults(), nil
}

func validateStyle(st overlay.Style) error {
	var errs []error
	for name, c := range map[string]string{
		"cluster_color":      st.ClusterColor,
		"cluster_text_color": st.ClusterTextColor,
		"point_stroke_color": st.PointStrokeColor,
		"aura_color":         st.AuraColor,
	} {
		if c != "" && !hexColor.MatchString(c) {
			errs = append(errs, fmt.Errorf("%s: %q is not a hex colour", name, c))
		}
	}
	if st.AuraOpacity < 0 || st.AuraOpacity > 1 {
		errs = append(errs, fmt.Errorf("aura_opacity: %v is outside [0,1]", st.AuraOpacity))
	}
	for name, v := range map[string]float64{
		"point_radius":           st.PointRadius,
		"avatar_size":            st.AvatarSize,
		"self_hit_radius":        st.SelfHitRadius,
		"aura_radius":            st.AuraRadius,
		"aura_core_radius":       st.AuraCoreRadius,
		"aura_core_stroke_width": st.AuraCoreStrokeWidth,
	} {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	return errors.Join(errs...)
}
