package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/phaseflow/catalog"
	"github.com/nomis52/phaseflow/handler"
	"github.com/nomis52/phaseflow/orchestrator"
	"github.com/nomis52/phaseflow/workflow"
)

const demoCatalog = `
phases:
  - name: ingest
    activities:
      - name: prepare
        kind: noop
      - name: fetch
        kind: echo
        mode: parallel
        depends_on: [prepare]
      - name: signoff
        kind: manual
        depends_on: [fetch]
        required: false
        when:
          metadata_equals: {key: signoff, value: "yes"}
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadDemo(t *testing.T) *catalog.Catalog {
	t.Helper()
	src, err := catalog.Decode(strings.NewReader(demoCatalog))
	require.NoError(t, err)
	cat, err := catalog.Load(src, "ingest")
	require.NoError(t, err)
	return cat
}

func TestMetadataFlag(t *testing.T) {
	var m metadataFlag
	assert.Equal(t, "", m.String())

	require.NoError(t, m.Set("scope=full"))
	require.NoError(t, m.Set("ingest/fetch.partitions= eu, us ,,apac"))
	require.NoError(t, m.Set("empty="))

	assert.Equal(t, map[string]any{
		"scope":                   "full",
		"ingest/fetch.partitions": []string{"eu", "us", "apac"},
		"empty":                   "",
	}, m.values)

	for _, bad := range []string{"novalue", "=x", " =x"} {
		assert.Error(t, m.Set(bad), bad)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	cat := loadDemo(t)
	reg := handler.NewRegistry()
	require.NoError(t, registerBuiltins(reg, cat, discardLogger()))

	assert.ElementsMatch(t, []handler.Key{
		{Phase: "ingest", Kind: "noop"},
		{Phase: "ingest", Kind: "echo"},
		{Phase: "ingest", Kind: "manual"},
	}, reg.Keys())

	// A kind shared by two templates of a phase is registered once.
	twice, err := catalog.New([]string{"p"}, []workflow.Template{
		{ID: workflow.TemplateID{Phase: "p", Name: "a"}, Kind: "noop", Required: true},
		{ID: workflow.TemplateID{Phase: "p", Name: "b"}, Kind: "noop", Required: true},
		{ID: workflow.TemplateID{Phase: "p", Name: "c"}, Kind: "custom", Required: true},
	})
	require.NoError(t, err)
	reg = handler.NewRegistry()
	require.NoError(t, registerBuiltins(reg, twice, discardLogger()))
	assert.Len(t, reg.Keys(), 1)
}

func TestBuiltinCatalogRun(t *testing.T) {
	cat := loadDemo(t)
	reg := handler.NewRegistry()
	require.NoError(t, registerBuiltins(reg, cat, discardLogger()))

	o, err := orchestrator.New(cat, reg,
		orchestrator.WithLogger(discardLogger()),
		orchestrator.WithPollInterval(2*time.Millisecond),
	)
	require.NoError(t, err)

	var meta metadataFlag
	require.NoError(t, meta.Set("ingest/fetch.partitions=eu,us"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := o.Run(ctx, orchestrator.RunRequest{Metadata: meta.values})
	require.NoError(t, err)

	fetched := report.ByTemplate(workflow.TemplateID{Phase: "ingest", Name: "fetch"})
	require.Len(t, fetched, 2)
	for _, inst := range fetched {
		assert.Equal(t, workflow.Succeeded, inst.State)
		assert.Equal(t, inst.PartitionKey, inst.Output["partition"])
	}

	signoff := report.ByTemplate(workflow.TemplateID{Phase: "ingest", Name: "signoff"})
	require.Len(t, signoff, 1)
	assert.Equal(t, workflow.Skipped, signoff[0].State)
}
