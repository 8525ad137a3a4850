package transit

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/peertransit/internal/common"
	"github.com/google/uuid"
)

// FileSystemKind separates ordinary files from comments, which reference an
// original file and follow stricter delivery rules.
type FileSystemKind string

const (
	KindStandard FileSystemKind = "standard"
	KindComment  FileSystemKind = "comment"
)

func (k FileSystemKind) Valid() bool {
	return k == KindStandard || k == KindComment
}

// FileMetadata is the header that travels with a file.
type FileMetadata struct {
	AppData         string                         `json:"app_data,omitempty"`
	ContentType     string                         `json:"content_type,omitempty"`
	IsEncrypted     bool                           `json:"is_encrypted"`
	VersionTag      int64                          `json:"version_tag"`
	GlobalTransitID *uuid.UUID                     `json:"global_transit_id,omitempty"`
	ReferencedFile  *GlobalTransitIDFileIdentifier `json:"referenced_file,omitempty"`
	SenderIdentity  string                         `json:"sender_identity,omitempty"`
	Created         time.Time                      `json:"created"`
	Updated         time.Time                      `json:"updated"`
}

// Validate checks the header is structurally usable for the given kind.
func (m *FileMetadata) Validate(kind FileSystemKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown file system kind %q", common.ErrorIncorrectMetadata, kind)
	}
	if m.VersionTag < 0 {
		return fmt.Errorf("%w: negative version tag", common.ErrorIncorrectMetadata)
	}
	if kind == KindComment && m.ReferencedFile == nil {
		return fmt.Errorf("%w: comment without referenced file", common.ErrorIncorrectMetadata)
	}
	return nil
}
