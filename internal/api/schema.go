package api

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	xerrors "trase-agent/internal/errors"
)

//go:embed schemas/*.schema.json
var schemaFiles embed.FS

const maxBodyBytes = 1 << 20

// 请求体对应的 schema 名称。
const (
	schemaLogin         = "login.schema.json"
	schemaAgent         = "agent.schema.json"
	schemaTask          = "task.schema.json"
	schemaTaskRunStart  = "task_run_start.schema.json"
	schemaTaskRunStatus = "task_run_status.schema.json"
)

var schemaPrinter = message.NewPrinter(language.English)

var requestSchemas = mustCompileSchemas(
	schemaLogin,
	schemaAgent,
	schemaTask,
	schemaTaskRunStart,
	schemaTaskRunStatus,
)

func mustCompileSchemas(names ...string) map[string]*jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	for _, name := range names {
		raw, err := schemaFiles.ReadFile("schemas/" + name)
		if err != nil {
			panic(fmt.Sprintf("read embedded %s: %v", name, err))
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			panic(fmt.Sprintf("parse embedded %s: %v", name, err))
		}
		if err := compiler.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add %s resource: %v", name, err))
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(names))
	for _, name := range names {
		sch, err := compiler.Compile(name)
		if err != nil {
			panic(fmt.Sprintf("compile %s: %v", name, err))
		}
		compiled[name] = sch
	}
	return compiled
}

var errMalformedBody = xerrors.New(xerrors.CodeInvalidArgument, "Malformed JSON request")

// decodeBody 读取请求体，先按 schema 校验，再解码到 dst。
func decodeBody(r *http.Request, schemaName string, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Malformed JSON request")
	}
	if len(body) > maxBodyBytes {
		return xerrors.New(xerrors.CodeInvalidArgument, "Request body too large")
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return errMalformedBody
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return errMalformedBody
	}
	if err := validateInstance(requestSchemas[schemaName], instance); err != nil {
		return err
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errMalformedBody
	}
	return nil
}

func validateInstance(sch *jsonschema.Schema, instance any) error {
	err := sch.Validate(instance)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "Malformed JSON request")
	}
	fields := make(map[string]string)
	collectSchemaErrors(ve, fields)
	return xerrors.Validation(fields)
}

// collectSchemaErrors flattens the cause tree into pointer -> message. A
// missing required property is reported at the property's own pointer.
func collectSchemaErrors(ve *jsonschema.ValidationError, out map[string]string) {
	if len(ve.Causes) > 0 {
		for _, cause := range ve.Causes {
			collectSchemaErrors(cause, out)
		}
		return
	}
	base := "/" + strings.Join(ve.InstanceLocation, "/")
	if required, ok := ve.ErrorKind.(*kind.Required); ok {
		prefix := strings.TrimSuffix(base, "/")
		for _, name := range required.Missing {
			out[prefix+"/"+name] = "must not be null"
		}
		return
	}
	if _, seen := out[base]; !seen {
		out[base] = ve.ErrorKind.LocalizedString(schemaPrinter)
	}
}
