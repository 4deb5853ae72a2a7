package detect

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"argus/core"
)

// maxRuleFileSize caps one rule file. Rule documents are small; anything
// past this is not a rule file.
const maxRuleFileSize = 1 << 20

// DirLoader loads rule and correlation documents from a directory tree
// of YAML files. It implements RuleSource.
type DirLoader struct {
	dir    string
	logger *zap.SugaredLogger
}

// NewDirLoader creates a loader rooted at dir. A nil logger falls back
// to a no-op.
func NewDirLoader(dir string, logger *zap.SugaredLogger) *DirLoader {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DirLoader{dir: dir, logger: logger}
}

// LoadDocuments walks the directory for *.yml / *.yaml files. Files may
// hold multiple YAML documents; a document with a correlation section
// loads as a correlation, everything else as a rule. Unreadable files
// and invalid documents are logged and skipped.
func (l *DirLoader) LoadDocuments() ([]core.RuleDocument, []core.CorrelationDocument, error) {
	var rules []core.RuleDocument
	var correlations []core.CorrelationDocument

	err := filepath.Walk(l.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}

		fileRules, fileCorrs, err := l.loadFile(path)
		if err != nil {
			l.logger.Warnw("skipping rule file", "path", path, "error", err)
			return nil
		}
		rules = append(rules, fileRules...)
		correlations = append(correlations, fileCorrs...)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("walk rules directory %s: %w", l.dir, err)
	}

	l.logger.Infow("loaded rule documents",
		"dir", l.dir, "rules", len(rules), "correlations", len(correlations))
	return rules, correlations, nil
}

func (l *DirLoader) loadFile(path string) ([]core.RuleDocument, []core.CorrelationDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rule file: %w", err)
	}
	if len(data) > maxRuleFileSize {
		return nil, nil, fmt.Errorf("rule file too large: %d bytes (max %d)", len(data), maxRuleFileSize)
	}

	var rules []core.RuleDocument
	var correlations []core.CorrelationDocument

	dec := yaml.NewDecoder(bytes.NewReader(data))
	for docIndex := 0; ; docIndex++ {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// A stream error poisons the rest of the file.
			return nil, nil, fmt.Errorf("document %d: %w", docIndex, err)
		}

		if hasTopLevelKey(&node, "correlation") {
			var doc core.CorrelationDocument
			if err := node.Decode(&doc); err != nil {
				l.logger.Warnw("skipping correlation document",
					"path", path, "document", docIndex, "error", err)
				continue
			}
			if err := doc.Validate(); err != nil {
				l.logger.Warnw("skipping correlation document",
					"path", path, "document", docIndex, "error", err)
				continue
			}
			correlations = append(correlations, doc)
			continue
		}

		var doc core.RuleDocument
		if err := node.Decode(&doc); err != nil {
			l.logger.Warnw("skipping rule document",
				"path", path, "document", docIndex, "error", err)
			continue
		}
		if err := doc.Validate(); err != nil {
			l.logger.Warnw("skipping rule document",
				"path", path, "document", docIndex, "error", err)
			continue
		}
		rules = append(rules, doc)
	}

	return rules, correlations, nil
}

// hasTopLevelKey checks a parsed document for a top-level mapping key.
func hasTopLevelKey(node *yaml.Node, key string) bool {
	doc := node
	if doc.Kind == yaml.DocumentNode {
		if len(doc.Content) == 0 {
			return false
		}
		doc = doc.Content[0]
	}
	if doc.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value == key {
			return true
		}
	}
	return false
}

// eventBatchSchema validates an event batch before decoding. id is
// optional (records without one get a generated UUID) but the fields
// the engine keys on are required.
const eventBatchSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "required": ["eventId", "logName", "timeCreated"],
    "properties": {
      "id": {"type": "string", "minLength": 1},
      "eventId": {"type": "integer", "minimum": 0},
      "logName": {"type": "string", "minLength": 1},
      "machineName": {"type": "string"},
      "level": {"type": "string"},
      "timeCreated": {"type": "string", "format": "date-time"},
      "eventData": {"type": "string"}
    }
  }
}`

// maxSchemaViolations bounds how many reasons a failed validation reports.
const maxSchemaViolations = 5

// LoadEvents reads a JSON event batch, validates it against the batch
// schema, fills in missing IDs, and sorts by time ascending (window
// mechanics assume time order). The whole batch fails together: events
// are data, not rules, so partial loads would silently skew counts.
func LoadEvents(path string) ([]*core.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events file: %w", err)
	}
	return ParseEvents(data)
}

// ParseEvents validates and decodes a JSON event batch.
func ParseEvents(data []byte) ([]*core.Event, error) {
	schemaLoader := gojsonschema.NewStringLoader(eventBatchSchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("validate event batch: %w", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, maxSchemaViolations)
		for i, desc := range result.Errors() {
			if i == maxSchemaViolations {
				reasons = append(reasons, fmt.Sprintf("and %d more", len(result.Errors())-maxSchemaViolations))
				break
			}
			reasons = append(reasons, desc.String())
		}
		return nil, fmt.Errorf("event batch failed validation: %s", strings.Join(reasons, "; "))
	}

	var events []*core.Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("decode event batch: %w", err)
	}

	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.New().String()
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TimeCreated.Before(events[j].TimeCreated)
	})
	return events, nil
}
