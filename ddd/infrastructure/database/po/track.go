package po

import (
	"time"

	"gorm.io/datatypes"
)

// Rendition 单一格式产物的列，按前缀嵌入
type Rendition struct {
	URL             string     `gorm:"column:url;type:varchar(512)" json:"url"`
	SizeBytes       int64      `gorm:"column:size_bytes;type:bigint;default:0" json:"size_bytes"`
	Status          string     `gorm:"column:status;type:varchar(20);default:'NOT_STARTED'" json:"status"`
	CreatedAt       *time.Time `gorm:"column:created_at" json:"created_at,omitempty"`
	LastRequestedAt *time.Time `gorm:"column:last_requested_at;index" json:"last_requested_at,omitempty"`
}

// Track 音轨媒体字段持久化对象
type Track struct {
	ID                  string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	UserID              string         `gorm:"column:user_id;type:varchar(36);index" json:"user_id"`
	ParentTrackID       *string        `gorm:"column:parent_track_id;type:varchar(36);index" json:"parent_track_id,omitempty"`
	OriginalURL         string         `gorm:"column:original_url;type:varchar(512)" json:"original_url"`
	OriginalFormat      string         `gorm:"column:original_format;type:varchar(16)" json:"original_format"`
	Status              string         `gorm:"column:status;type:varchar(20);index" json:"status"`
	ProcessingStatus    string         `gorm:"column:processing_status;type:varchar(20)" json:"processing_status"`
	Mp3                 Rendition      `gorm:"embedded;embeddedPrefix:mp3_" json:"mp3"`
	Wav                 Rendition      `gorm:"embedded;embeddedPrefix:wav_" json:"wav"`
	Flac                Rendition      `gorm:"embedded;embeddedPrefix:flac_" json:"flac"`
	Waveform            datatypes.JSON `gorm:"column:waveform" json:"waveform,omitempty"`
	Duration            float64        `gorm:"column:duration;default:0" json:"duration"`
	QuotaSecondsCharged float64        `gorm:"column:quota_seconds_charged;default:0" json:"quota_seconds_charged"`
	QuotaBytesCharged   int64          `gorm:"column:quota_bytes_charged;default:0" json:"quota_bytes_charged"`
	CreatedAt           time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Track) TableName() string {
	return "tracks"
}

// Stem 分轨持久化对象
type Stem struct {
	ID                  string         `gorm:"column:id;type:varchar(36);primaryKey" json:"id"`
	TrackID             string         `gorm:"column:track_id;type:varchar(36);index" json:"track_id"`
	Index               int            `gorm:"column:stem_index;type:int" json:"index"`
	Name                string         `gorm:"column:name;type:varchar(255)" json:"name"`
	Type                string         `gorm:"column:type;type:varchar(50)" json:"type"`
	SourceURL           string         `gorm:"column:source_url;type:varchar(512)" json:"source_url"`
	SourceFormat        string         `gorm:"column:source_format;type:varchar(16)" json:"source_format"`
	InheritedFromStemID *string        `gorm:"column:inherited_from_stem_id;type:varchar(36);index" json:"inherited_from_stem_id,omitempty"`
	ProcessingStatus    string         `gorm:"column:processing_status;type:varchar(20)" json:"processing_status"`
	Mp3                 Rendition      `gorm:"embedded;embeddedPrefix:mp3_" json:"mp3"`
	Wav                 Rendition      `gorm:"embedded;embeddedPrefix:wav_" json:"wav"`
	Flac                Rendition      `gorm:"embedded;embeddedPrefix:flac_" json:"flac"`
	Waveform            datatypes.JSON `gorm:"column:waveform" json:"waveform,omitempty"`
	Duration            float64        `gorm:"column:duration;default:0" json:"duration"`
	CreatedAt           time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt           time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (Stem) TableName() string {
	return "stems"
}

// UserQuota 用户配额持久化对象
type UserQuota struct {
	UserID      string    `gorm:"column:user_id;type:varchar(36);primaryKey" json:"user_id"`
	FreeSeconds float64   `gorm:"column:free_seconds;default:0" json:"free_seconds"`
	PaidSeconds float64   `gorm:"column:paid_seconds;default:0" json:"paid_seconds"`
	UsedSeconds float64   `gorm:"column:used_seconds;default:0" json:"used_seconds"`
	UsedBytes   int64     `gorm:"column:used_bytes;default:0" json:"used_bytes"`
	UpdatedAt   time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName 指定表名
func (UserQuota) TableName() string {
	return "user_quotas"
}

// Models 需要迁移的全部表
func Models() []interface{} {
	return []interface{}{&Track{}, &Stem{}, &UserQuota{}}
}
