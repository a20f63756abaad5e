package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURL("HTTPS://KKTIX.com:443/events?b=2&a=1#top")
	require.NoError(t, err)
	require.Equal(t, "https://kktix.com/events?a=1&b=2", got)
}

func TestResolveURL(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://kktix.com/events/abc", ResolveURL("https://kktix.com/events", "/events/abc"))
	require.Equal(t, "https://cdn.example.com/x", ResolveURL("https://kktix.com", "//cdn.example.com/x"))
	require.Equal(t, "", ResolveURL("https://kktix.com", "  "))
}

func TestSlug(t *testing.T) {
	t.Parallel()

	require.Equal(t, "kktix", Slug("KKTIX"))
	require.Equal(t, "tixcraft", Slug("拓元 TixCraft"))
	require.Equal(t, "source", Slug("年代售票"))
	require.Equal(t, "i_ndievox", Slug("i NDIEVOX"))
}

func TestHost(t *testing.T) {
	t.Parallel()

	require.Equal(t, "www.indievox.com", Host("https://WWW.indievox.com/activity/list"))
	require.Equal(t, "", Host("://bad"))
}
