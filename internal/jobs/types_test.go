package jobs_test

import (
	"testing"
	"time"

	"github.com/realmhq/realm-agent/internal/jobs"
	"github.com/stretchr/testify/require"
)

func TestTargeting_EmptyMatchesAnywhere(t *testing.T) {
	var target jobs.Targeting
	require.True(t, target.Matches("any-peer", nil))
}

func TestTargeting_MatchesByNodeID(t *testing.T) {
	target := jobs.Targeting{NodeIDs: []string{"peer-a", "peer-b"}}
	require.True(t, target.Matches("peer-a", nil))
	require.False(t, target.Matches("peer-c", nil))
}

func TestTargeting_MatchesByTag(t *testing.T) {
	target := jobs.Targeting{Tags: []string{"gpu"}}
	require.True(t, target.Matches("peer-x", []string{"edge", "gpu"}))
	require.False(t, target.Matches("peer-x", []string{"edge"}))
}

func TestTargeting_NodeIDsOrTagsIsSufficient(t *testing.T) {
	target := jobs.Targeting{NodeIDs: []string{"peer-a"}, Tags: []string{"gpu"}}
	require.True(t, target.Matches("peer-a", nil))
	require.True(t, target.Matches("other", []string{"gpu"}))
	require.False(t, target.Matches("other", []string{"edge"}))
}

func TestSpec_Timeout(t *testing.T) {
	require.Equal(t, time.Duration(0), jobs.Spec{}.Timeout())
	require.Equal(t, 5*time.Minute, jobs.Spec{TimeoutMin: 5}.Timeout())
}

func TestStatus_Terminal(t *testing.T) {
	require.False(t, jobs.StatusPending.Terminal())
	require.False(t, jobs.StatusRunning.Terminal())
	require.True(t, jobs.StatusCompleted.Terminal())
	require.True(t, jobs.StatusFailed.Terminal())
	require.True(t, jobs.StatusCancelled.Terminal())
}
