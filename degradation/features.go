package degradation

// Mode is the overall service level derived from dependency health
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeDegraded Mode = "degraded"
	ModeMinimal  Mode = "minimal"
)

// Level orders modes from best (0) to worst (2)
func (m Mode) Level() int {
	switch m {
	case ModeDegraded:
		return 1
	case ModeMinimal:
		return 2
	default:
		return 0
	}
}

// Features the pipeline can offer
const (
	FeatureCameraIngest    = "camera_ingest"
	FeatureEventBroadcast  = "event_broadcast"
	FeatureObjectDetection = "object_detection"
	FeatureEventSearch     = "event_search"
	FeatureRiskAnalysis    = "risk_analysis"
	FeatureThumbnails      = "thumbnail_generation"
)

// Each mode offers a subset of the better mode's features.
var modeFeatures = map[Mode][]string{
	ModeNormal: {
		FeatureCameraIngest,
		FeatureEventBroadcast,
		FeatureObjectDetection,
		FeatureEventSearch,
		FeatureRiskAnalysis,
		FeatureThumbnails,
	},
	ModeDegraded: {
		FeatureCameraIngest,
		FeatureEventBroadcast,
		FeatureObjectDetection,
		FeatureEventSearch,
	},
	ModeMinimal: {
		FeatureCameraIngest,
		FeatureEventBroadcast,
	},
}

// FeaturesFor returns a copy of the features available in mode
func FeaturesFor(mode Mode) []string {
	src, ok := modeFeatures[mode]
	if !ok {
		src = modeFeatures[ModeMinimal]
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
