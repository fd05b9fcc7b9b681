package audience

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/secmon-lab/pushblaster/pkg/domain/model"
	"github.com/secmon-lab/pushblaster/pkg/domain/types"
)

// UserIDColumn is the only column an audience CSV must carry. Every other column is kept as a
// personalization attribute keyed by its header.
const UserIDColumn = "user_id"

// ErrMissingUserIDColumn means the CSV header has no user_id column
var ErrMissingUserIDColumn = errors.New("audience CSV has no user_id column")

// ReadMembers parses an audience CSV. Rows with an empty user_id are skipped.
func ReadMembers(r io.Reader) ([]model.AudienceMember, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, goerr.Wrap(ErrMissingUserIDColumn, "empty audience CSV")
		}
		return nil, goerr.Wrap(err, "failed to read audience CSV header")
	}

	idCol := -1
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		header[i] = h
		if strings.EqualFold(h, UserIDColumn) {
			idCol = i
		}
	}
	if idCol < 0 {
		return nil, goerr.Wrap(ErrMissingUserIDColumn, "invalid audience CSV", goerr.V("header", header))
	}

	var members []model.AudienceMember
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to read audience CSV row", goerr.V("row", len(members)+2))
		}
		if idCol >= len(record) || strings.TrimSpace(record[idCol]) == "" {
			continue
		}

		member := model.AudienceMember{UserID: types.UserID(record[idCol]).Normalize()}
		for i, v := range record {
			if i == idCol || i >= len(header) || header[i] == "" {
				continue
			}
			if member.Attributes == nil {
				member.Attributes = make(map[string]string, len(header)-1)
			}
			member.Attributes[header[i]] = v
		}
		members = append(members, member)
	}
	return members, nil
}
