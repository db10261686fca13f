package vo

// TrackStatus 音轨记录状态
type TrackStatus string

const (
	TrackStatusActive          TrackStatus = "ACTIVE"
	TrackStatusPendingDeletion TrackStatus = "PENDING_DELETION"
)

func (s TrackStatus) String() string { return string(s) }

// ArtifactKind 产物类别
type ArtifactKind string

const (
	ArtifactOriginal ArtifactKind = "original"
	ArtifactFullMix  ArtifactKind = "full-mix"
	ArtifactStem     ArtifactKind = "stem"
)

// RenditionTarget 按需转换的目标对象
type RenditionTarget string

const (
	TargetFull RenditionTarget = "full"
	TargetStem RenditionTarget = "stem"
)
