package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestHost(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard https", "https://API.airtable.com/v0/meta/bases", "api.airtable.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "127.0.0.1:8080", "127.0.0.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.expected, Host(tc.input))
		})
	}
}

func TestObserveAPIPage(t *testing.T) {
	Init()
	before := testutil.ToFloat64(apiPagesTotal.WithLabelValues("metrics.test", "200"))
	ObserveAPIPage("https://metrics.test/v0/meta/bases", 200, 512)
	require.Equal(t, before+1, testutil.ToFloat64(apiPagesTotal.WithLabelValues("metrics.test", "200")))
	require.GreaterOrEqual(t, testutil.ToFloat64(apiBytesTotal.WithLabelValues("metrics.test")), 512.0)
}

func TestObserveActivityFetchAndDelay(t *testing.T) {
	Init()
	before := testutil.ToFloat64(activityFetchTotal.WithLabelValues("401"))
	ObserveActivityFetch(401)
	require.Equal(t, before+1, testutil.ToFloat64(activityFetchTotal.WithLabelValues("401")))

	ObserveRateLimitDelay("metrics.test", 50*time.Millisecond)
	require.Positive(t, testutil.CollectAndCount(rateLimitDelaysSeconds))
}

// Fuzz test for Host.
func FuzzHost(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://api.airtable.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, in string) {
		if Host(in) == "" {
			t.Errorf("Host(%q) returned empty string", in)
		}
	})
}
