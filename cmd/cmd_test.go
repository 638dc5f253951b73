package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sentiment-ingest/internal/app"
	"github.com/JakeFAU/sentiment-ingest/internal/config"
	"github.com/JakeFAU/sentiment-ingest/internal/dispatcher"
	"github.com/JakeFAU/sentiment-ingest/internal/ingest"
	"github.com/JakeFAU/sentiment-ingest/internal/server"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPlanPrintsPartitions(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "plan",
		"--keyword", "bitcoin",
		"--start", "2020-01-01",
		"--end", "2020-01-25",
		"--window-days", "10",
		"--dry-run",
	)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Equal(t, []string{
		"0\t2020-01-01\t2020-01-11",
		"1\t2020-01-11\t2020-01-21",
		"2\t2020-01-21\t2020-01-25",
	}, lines)
}

func TestPlanRequiresKeyword(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "plan", "--dry-run")
	require.ErrorContains(t, err, "ingest.keyword")
}

func TestMigrateRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := execute(t, "migrate")
	require.ErrorContains(t, err, "db.dsn")
}

func TestPlanPartitionsStampsRunParameters(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "plan", "--keyword", "eth", "--start", "2021-01-01", "--end", "2021-03-01", "--dry-run")
	require.NoError(t, err)
	require.Equal(t, "0\t2021-01-01\t2021-03-01", strings.TrimSpace(out))
}

func TestPlanPartitionsResetOnlyFirst(t *testing.T) {
	t.Parallel()

	parts, err := planPartitions(config.Config{Ingest: config.IngestConfig{
		Keyword:    "bitcoin",
		Subreddit:  "CryptoCurrency",
		Start:      "2020-01-01",
		End:        "2020-01-31",
		WindowDays: 10,
		Reset:      true,
	}})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.True(t, parts[0].Reset)
	for _, p := range parts {
		require.Equal(t, "bitcoin", p.Keyword)
		require.Equal(t, "CryptoCurrency", p.Subreddit)
	}
	require.False(t, parts[1].Reset)
	require.False(t, parts[2].Reset)
}

type stubRunner struct {
	failIndex int
}

func (s stubRunner) Run(_ context.Context, p ingest.Partition) (ingest.Outcome, error) {
	if p.Index == s.failIndex {
		return ingest.Outcome{}, errors.New("browser crashed")
	}
	return ingest.Outcome{References: 2, Items: 1}, nil
}

func withApp(t *testing.T, runner dispatcher.Runner) {
	t.Helper()
	orig := newApp
	newApp = func(_ context.Context, _ config.Config, logger *zap.Logger) (*app.App, error) {
		d := dispatcher.New(runner, nil, 2, logger)
		return &app.App{Dispatcher: d, Server: server.New(d, nil, logger)}, nil
	}
	t.Cleanup(func() { newApp = orig })
}

func TestRunPrintsSummaryAndFailsOnPartitionError(t *testing.T) {
	withApp(t, stubRunner{failIndex: 1})

	out, err := execute(t, "run",
		"--keyword", "bitcoin",
		"--start", "2020-01-01",
		"--end", "2020-01-31",
		"--window-days", "10",
		"--dry-run",
		"--log-level", "error",
	)
	require.ErrorContains(t, err, "1 of 3 partitions failed")

	var report struct {
		Succeeded  int `json:"succeeded"`
		Failed     int `json:"failed"`
		References int `json:"references"`
		Partitions []struct {
			Index int    `json:"index"`
			Error string `json:"error"`
		} `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, 4, report.References)
	require.Len(t, report.Partitions, 3)
	require.Contains(t, report.Partitions[1].Error, "browser crashed")
}

func TestRunSucceeds(t *testing.T) {
	withApp(t, stubRunner{failIndex: -1})

	_, err := execute(t, "run", "--keyword", "bitcoin", "--start", "2020-01-01", "--end", "2020-01-05", "--dry-run")
	require.NoError(t, err)
}
