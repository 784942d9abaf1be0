package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// Video is one known item. FileName is set only once the item was fully
// downloaded, merged and relocated.
type Video struct {
	ID       string  `gorm:"primaryKey;type:varchar(255)"`
	Title    string  `gorm:"type:varchar(255);not null"`
	Labels   Labels  `gorm:"type:text;not null"`
	FileName *string `gorm:"column:file_name;type:varchar(255);index:idx_video_file_name"`
}

// TableName keeps the table name used by databases created before the
// rewrite.
func (Video) TableName() string {
	return "video"
}

// Done reports whether the item finished successfully
func (v Video) Done() bool {
	return v.FileName != nil && *v.FileName != ""
}

// Labels is a list of tag names stored as a JSON array. Older rows may hold
// {"name": ...} objects instead of plain strings; both decode to names.
type Labels []string

// Value implements driver.Valuer
func (l Labels) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (l *Labels) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported labels column type %T", src)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, l)
}

// UnmarshalJSON accepts ["a", {"name": "b"}] style arrays
func (l *Labels) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("labels: %w", err)
	}
	out := make(Labels, 0, len(raw))
	for _, item := range raw {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			out = append(out, name)
			continue
		}
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return fmt.Errorf("labels: unsupported entry %s", item)
		}
		if obj.Name != "" {
			out = append(out, obj.Name)
		}
	}
	*l = out
	return nil
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Video{})
}
