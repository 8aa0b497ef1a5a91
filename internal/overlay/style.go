package overlay

// Style holds the paint values operators may tune without a restart. Zero
// fields fall back to DefaultStyle.
type Style struct {
	ClusterColor        string  `yaml:"cluster_color" json:"cluster_color"`
	ClusterTextColor    string  `yaml:"cluster_text_color" json:"cluster_text_color"`
	PointRadius         float64 `yaml:"point_radius" json:"point_radius"`
	PointStrokeColor    string  `yaml:"point_stroke_color" json:"point_stroke_color"`
	AvatarSize          float64 `yaml:"avatar_size" json:"avatar_size"`
	SelfHitRadius       float64 `yaml:"self_hit_radius" json:"self_hit_radius"`
	AuraColor           string  `yaml:"aura_color" json:"aura_color"`
	AuraRadius          float64 `yaml:"aura_radius" json:"aura_radius"`
	AuraOpacity         float64 `yaml:"aura_opacity" json:"aura_opacity"`
	AuraCoreRadius      float64 `yaml:"aura_core_radius" json:"aura_core_radius"`
	AuraCoreStrokeWidth float64 `yaml:"aura_core_stroke_width" json:"aura_core_stroke_width"`
}

var DefaultStyle = Style{
	ClusterColor:        "#5B5BD6",
	ClusterTextColor:    "#FFFFFF",
	PointRadius:         8,
	PointStrokeColor:    "#FFFFFF",
	AvatarSize:          0.5,
	SelfHitRadius:       22,
	AuraColor:           "#3D9BFF",
	AuraRadius:          28,
	AuraOpacity:         0.25,
	AuraCoreRadius:      7,
	AuraCoreStrokeWidth: 2,
}

// WithDefaults fills zero fields from DefaultStyle.
func (s Style) WithDefaults() Style {
	d := DefaultStyle
	if s.ClusterColor == "" {
		s.ClusterColor = d.ClusterColor
	}
	if s.ClusterTextColor == "" {
		s.ClusterTextColor = d.ClusterTextColor
	}
	if s.PointRadius <= 0 {
		s.PointRadius = d.PointRadius
	}
	if s.PointStrokeColor == "" {
		s.PointStrokeColor = d.PointStrokeColor
	}
	if s.AvatarSize <= 0 {
		s.AvatarSize = d.AvatarSize
	}
	if s.SelfHitRadius <= 0 {
		s.SelfHitRadius = d.SelfHitRadius
	}
	if s.AuraColor == "" {
		s.AuraColor = d.AuraColor
	}
	if s.AuraRadius <= 0 {
		s.AuraRadius = d.AuraRadius
	}
	if s.AuraOpacity <= 0 {
		s.AuraOpacity = d.AuraOpacity
	}
	if s.AuraCoreRadius <= 0 {
		s.AuraCoreRadius = d.AuraCoreRadius
	}
	if s.AuraCoreStrokeWidth <= 0 {
		s.AuraCoreStrokeWidth = d.AuraCoreStrokeWidth
	}
	return s
}
