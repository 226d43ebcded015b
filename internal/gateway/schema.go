package gateway

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var schemaFiles = map[MessageType]string{
	TypeShowNotification:      "schemas/show_notification.json",
	TypeScheduleNotifications: "schemas/schedule_notifications.json",
	TypeClearNotifications:    "schemas/clear_notifications.json",
	TypeSetOfflineMode:        "schemas/set_offline_mode.json",
}

const schemaBaseURL = "https://lifesync.dev/"

var compiled struct {
	once    sync.Once
	err     error
	schemas map[MessageType]*jsonschema.Schema
}

func loadSchemas() (map[MessageType]*jsonschema.Schema, error) {
	compiled.once.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, name := range schemaFiles {
			raw, err := schemaFS.ReadFile(name)
			if err != nil {
				compiled.err = err
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				compiled.err = fmt.Errorf("parse %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+name, doc); err != nil {
				compiled.err = err
				return
			}
		}
		schemas := make(map[MessageType]*jsonschema.Schema, len(schemaFiles))
		for msgType, name := range schemaFiles {
			schema, err := compiler.Compile(schemaBaseURL + name)
			if err != nil {
				compiled.err = fmt.Errorf("compile %s: %w", name, err)
				return
			}
			schemas[msgType] = schema
		}
		compiled.schemas = schemas
	})
	return compiled.schemas, compiled.err
}

// Validate checks msg against the schema registered for its type. A missing
// payload is validated as an empty object.
func Validate(msg Message) error {
	schemas, err := loadSchemas()
	if err != nil {
		return err
	}
	schema, ok := schemas[msg.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
	payload := []byte(msg.Payload)
	if len(bytes.TrimSpace(payload)) == 0 || bytes.Equal(bytes.TrimSpace(payload), []byte("null")) {
		payload = []byte("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, msg.Type, err)
	}
	return nil
}
