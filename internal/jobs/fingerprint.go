package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/thekellymethod/proseiq-clean-sub002/constants"
	"github.com/thekellymethod/proseiq-clean-sub002/internal/entity"
)

// Snapshot is the immutable input of one bundle job: the selected exhibits in index
// order and every setting that changes the stamped output.
type Snapshot struct {
	CaseID        string
	Title         string
	Exhibits      []*entity.Exhibit
	BatesPrefix   string
	BatesPadWidth int
	Start         int64
	Mode          constants.StampingMode
}

// Fingerprint hashes the ordered exhibit identities, their content hashes and labels,
// and the stamping settings. Two snapshots with the same fingerprint produce the same
// artifact.
func Fingerprint(s Snapshot) string {
	h := sha256.New()
	field := func(v string) {
		h.Write([]byte(strconv.Itoa(len(v))))
		h.Write([]byte{':'})
		h.Write([]byte(v))
	}
	field("v1")
	field(s.CaseID)
	field(s.Title)
	field(s.BatesPrefix)
	field(strconv.Itoa(s.BatesPadWidth))
	field(strconv.FormatInt(s.Start, 10))
	field(string(s.Mode))
	for _, ex := range s.Exhibits {
		field(ex.ID)
		field(hex.EncodeToString(ex.ContentHash))
		field(ex.Label)
	}
	return hex.EncodeToString(h.Sum(nil))
}
