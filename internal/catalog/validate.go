package catalog

import (
	"strconv"
	"strings"
	"unicode/utf8"

	xerrors "trase-agent/internal/errors"
)

const (
	maxNameLength        = 200
	maxDescriptionLength = 2000
)

type fieldErrors map[string]string

func (f fieldErrors) text(field, value string, max int) {
	if strings.TrimSpace(value) == "" {
		f[field] = "must not be blank"
		return
	}
	if utf8.RuneCountInString(value) > max {
		f[field] = "size must be between 0 and " + strconv.Itoa(max)
	}
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return xerrors.Validation(f)
}

// Validate checks the agent fields.
func (in AgentInput) Validate() error {
	errs := fieldErrors{}
	errs.text("name", in.Name, maxNameLength)
	errs.text("description", in.Description, maxDescriptionLength)
	return errs.err()
}

// Validate checks the task fields and requires at least one positive agent id.
func (in TaskInput) Validate() error {
	errs := fieldErrors{}
	errs.text("title", in.Title, maxNameLength)
	errs.text("description", in.Description, maxDescriptionLength)
	ids := in.agentIDs()
	if len(ids) == 0 {
		errs["supportedAgentIds"] = "at least one supported agent id is required"
	}
	for _, id := range ids {
		if id <= 0 {
			errs["supportedAgentIds"] = "agent ids must be positive"
			break
		}
	}
	return errs.err()
}
