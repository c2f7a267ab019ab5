package cookie

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"single", "sid=abc", map[string]string{"sid": "abc"}},
		{"trims whitespace", "  sid = abc ;  lang=pt ", map[string]string{"sid": "abc", "lang": "pt"}},
		{"value keeps later equals", "tok=a=b=c", map[string]string{"tok": "a=b=c"}},
		{"drops segment without equals", "sid=abc; flag; lang=pt", map[string]string{"sid": "abc", "lang": "pt"}},
		{"drops empty name", "=orphan; sid=abc", map[string]string{"sid": "abc"}},
		{"empty value kept", "sid=", map[string]string{"sid": ""}},
		{"repeated name keeps last", "sid=1; sid=2", map[string]string{"sid": "2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := Parse(tt.header)
			require.Equal(t, len(tt.want), j.Len())
			for k, v := range tt.want {
				got, ok := j.Get(k)
				assert.True(t, ok, "missing %q", k)
				assert.Equal(t, v, got)
			}
		})
	}
}

func TestMerge(t *testing.T) {
	t.Run("replaces existing value", func(t *testing.T) {
		got := Merge("sid=abc; lang=pt", []string{"sid=xyz; Path=/; HttpOnly"})
		assert.Equal(t, "sid=xyz; lang=pt", got)
	})

	t.Run("adds new name", func(t *testing.T) {
		got := Merge("sid=abc", []string{"refresh_token=r1; Path=/api; Max-Age=604800"})
		assert.Equal(t, "sid=abc; refresh_token=r1", got)
	})

	t.Run("empty current", func(t *testing.T) {
		got := Merge("", []string{"sid=xyz; Path=/"})
		assert.Equal(t, "sid=xyz", got)
	})

	t.Run("no directives keeps credential", func(t *testing.T) {
		got := Merge("sid=abc; lang=pt", nil)
		assert.Equal(t, "sid=abc; lang=pt", got)
	})

	t.Run("last write wins", func(t *testing.T) {
		got := Merge("sid=abc", []string{"sid=one", "sid=two; Secure"})
		assert.Equal(t, "sid=two", got)
	})

	t.Run("skips malformed directives", func(t *testing.T) {
		got := Merge("sid=abc", []string{"", "; Path=/", "=v", "novalue"})
		assert.Equal(t, "sid=abc", got)
	})

	t.Run("idempotent", func(t *testing.T) {
		d := []string{"sid=xyz; Path=/", "access_token=a2; HttpOnly"}
		once := Merge("sid=abc", d)
		twice := Merge(once, d)
		assert.Equal(t, once, twice)
		assert.Equal(t, once, Merge("sid=abc", append(d, d...)))
	})
}

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  []string
	}{
		{"single", "sid=xyz; Path=/", []string{"sid=xyz; Path=/"}},
		{
			"two combined",
			"sid=xyz; Path=/, lang=pt; Path=/",
			[]string{"sid=xyz; Path=/", "lang=pt; Path=/"},
		},
		{
			"expires date kept",
			"sid=xyz; Expires=Wed, 21 Oct 2026 07:28:00 GMT; Path=/, lang=pt",
			[]string{"sid=xyz; Expires=Wed, 21 Oct 2026 07:28:00 GMT; Path=/", "lang=pt"},
		},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Split(tt.value))
		})
	}
}

func TestDirectives_RepresentationIndependent(t *testing.T) {
	separate := http.Header{}
	separate.Add("Set-Cookie", "access_token=a2; Path=/; Expires=Thu, 01 Jan 2027 00:00:00 GMT; HttpOnly")
	separate.Add("Set-Cookie", "refresh_token=r2; Path=/api; Max-Age=604800")

	combined := http.Header{}
	combined.Set("Set-Cookie", "access_token=a2; Path=/; Expires=Thu, 01 Jan 2027 00:00:00 GMT; HttpOnly, refresh_token=r2; Path=/api; Max-Age=604800")

	ds := Directives(separate)
	dc := Directives(combined)
	require.Len(t, ds, 2)
	assert.Equal(t, ds, dc)

	current := "access_token=a1; refresh_token=r1"
	assert.Equal(t, Merge(current, ds), Merge(current, dc))
	assert.Equal(t, "access_token=a2; refresh_token=r2", Merge(current, dc))
}

func TestDirectives_None(t *testing.T) {
	assert.Empty(t, Directives(http.Header{"Content-Type": {"application/json"}}))
}
