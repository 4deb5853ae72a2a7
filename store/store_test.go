package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argus/core"
	"argus/detect"
)

// The store doubles as the engine's rule source.
var _ detect.RuleSource = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "argus.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRuleDoc(id, title string) *core.RuleDocument {
	return &core.RuleDocument{
		Title:     title,
		ID:        id,
		Level:     "medium",
		LogSource: core.LogSource{Service: "security"},
		Detection: map[string]any{
			"selection": map[string]any{"EventID": 4625},
			"condition": "selection",
		},
	}
}

func testCorrelationDoc(id, title string) *core.CorrelationDocument {
	return &core.CorrelationDocument{
		Title: title,
		ID:    id,
		Level: "high",
		Correlation: core.CorrelationSpec{
			Type:      core.CorrelationEventCount,
			Rules:     []string{"rule-fail"},
			GroupBy:   []string{"IpAddress"},
			Timespan:  "5m",
			Condition: map[string]any{"gte": 3},
		},
	}
}

func TestStore_UpsertAndGetRule(t *testing.T) {
	s := openTestStore(t)

	doc := testRuleDoc("rule-fail", "Failed Logon")
	require.NoError(t, s.UpsertRule(doc))

	got, err := s.GetRule("rule-fail")
	require.NoError(t, err)
	assert.Equal(t, "Failed Logon", got.Title)
	assert.Equal(t, "medium", got.Level)
	assert.Equal(t, "security", got.LogSource.Service)
	assert.Equal(t, "selection", got.Detection["condition"])

	// Upsert with the same ID replaces the document.
	doc.Title = "Failed Logon v2"
	require.NoError(t, s.UpsertRule(doc))

	got, err = s.GetRule("rule-fail")
	require.NoError(t, err)
	assert.Equal(t, "Failed Logon v2", got.Title)

	count, err := s.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestStore_UpsertAndGetCorrelation(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpsertCorrelation(testCorrelationDoc("corr-burst", "Logon Burst")))

	got, err := s.GetCorrelation("corr-burst")
	require.NoError(t, err)
	assert.Equal(t, "Logon Burst", got.Title)
	assert.Equal(t, core.CorrelationEventCount, got.Correlation.Type)
	assert.Equal(t, []string{"rule-fail"}, got.Correlation.Rules)
	assert.Equal(t, "5m", got.Correlation.Timespan)
}

func TestStore_UpsertRejectsInvalidDocuments(t *testing.T) {
	s := openTestStore(t)

	t.Run("rule without condition", func(t *testing.T) {
		doc := testRuleDoc("rule-broken", "Broken")
		delete(doc.Detection, "condition")
		assert.Error(t, s.UpsertRule(doc))
	})

	t.Run("correlation with bad timespan", func(t *testing.T) {
		doc := testCorrelationDoc("corr-broken", "Broken")
		doc.Correlation.Timespan = "five minutes"
		assert.Error(t, s.UpsertCorrelation(doc))
	})

	count, err := s.Count()
	require.NoError(t, err)
	assert.Zero(t, count, "rejected documents must not be stored")
}

func TestStore_GetNotFound(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertCorrelation(testCorrelationDoc("corr-burst", "Logon Burst")))

	_, err := s.GetRule("ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	// A correlation ID is not visible through the rule accessor.
	_, err = s.GetRule("corr-burst")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_Delete(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-fail", "Failed Logon")))

	require.NoError(t, s.Delete("rule-fail"))

	_, err := s.GetRule("rule-fail")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.Delete("rule-fail"), ErrNotFound)
}

func TestStore_List(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-b", "B")))
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-a", "A")))
	require.NoError(t, s.UpsertCorrelation(testCorrelationDoc("corr-z", "Z")))

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 3)

	// Rules first, then correlations, IDs ascending within each kind.
	assert.Equal(t, "rule-a", metas[0].ID)
	assert.Equal(t, KindRule, metas[0].Kind)
	assert.Equal(t, "rule-b", metas[1].ID)
	assert.Equal(t, "corr-z", metas[2].ID)
	assert.Equal(t, KindCorrelation, metas[2].Kind)

	assert.Equal(t, "A", metas[0].Title)
	assert.Equal(t, "medium", metas[0].Level)
	assert.False(t, metas[0].UpdatedAt.IsZero())
}

func TestStore_LoadDocuments(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-fail", "Failed Logon")))
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-other", "Other")))
	require.NoError(t, s.UpsertCorrelation(testCorrelationDoc("corr-burst", "Logon Burst")))

	rules, correlations, err := s.LoadDocuments()
	require.NoError(t, err)
	require.Len(t, rules, 2)
	require.Len(t, correlations, 1)
	assert.Equal(t, "rule-fail", rules[0].ID)
	assert.Equal(t, "rule-other", rules[1].ID)
	assert.Equal(t, "corr-burst", correlations[0].ID)
}

func TestStore_LoadDocumentsSkipsCorruptBody(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-good", "Good")))

	_, err := s.db.Exec(`
		INSERT INTO documents (id, kind, title, level, body, created_at, updated_at)
		VALUES ('rule-bad', 'rule', 'Bad', '', '{{not yaml', '2024-03-01T00:00:00Z', '2024-03-01T00:00:00Z')
	`)
	require.NoError(t, err)

	rules, _, err := s.LoadDocuments()
	require.NoError(t, err, "a corrupt row must not take the load down")
	require.Len(t, rules, 1)
	assert.Equal(t, "rule-good", rules[0].ID)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "argus.db")

	s, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-fail", "Failed Logon")))
	require.NoError(t, s.Close())

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.GetRule("rule-fail")
	require.NoError(t, err)
	assert.Equal(t, "Failed Logon", got.Title)
}

func TestStore_FeedsEngine(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.UpsertRule(testRuleDoc("rule-fail", "Failed Logon")))
	require.NoError(t, s.UpsertCorrelation(testCorrelationDoc("corr-burst", "Logon Burst")))

	engine := detect.NewEngine(s, detect.DefaultEngineConfig(), nil)
	set, err := engine.RuleSetFor(detect.ModuleSecurity)
	require.NoError(t, err)
	require.Len(t, set.Rules, 1)
	assert.Equal(t, "rule-fail", set.Rules[0].ID)
	require.Len(t, set.Correlations, 1)
	assert.Equal(t, "corr-burst", set.Correlations[0].ID)
}
