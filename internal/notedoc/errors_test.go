package notedoc_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/arlojensen/notecore/internal/notedoc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errSentinel = errors.New("boom")

func TestKindOf_ReturnsAttachedKind(t *testing.T) {
	err := notedoc.NewError(notedoc.KindTransientIO, "save", errSentinel)

	assert.Equal(t, notedoc.KindTransientIO, notedoc.KindOf(err))
}

func TestKindOf_ReturnsUnknownForPlainError(t *testing.T) {
	assert.Equal(t, notedoc.KindUnknown, notedoc.KindOf(errSentinel))
}

func TestNewError_NilErrReturnsNil(t *testing.T) {
	err := notedoc.NewError(notedoc.KindIntegrity, "parse", nil)

	require.NoError(t, err)
}

func TestError_UnwrapsToOriginal(t *testing.T) {
	err := notedoc.NewError(notedoc.KindPermanentIO, "write", errSentinel)

	assert.True(t, errors.Is(err, errSentinel))
}

func TestError_MessageIncludesKindAndOp(t *testing.T) {
	err := notedoc.NewError(notedoc.KindCancelled, "flush", errSentinel)

	assert.Equal(t, fmt.Sprintf("%s: flush: boom", notedoc.KindCancelled), err.Error())
}

func TestAtomicSaveResult_FullyAtomic(t *testing.T) {
	cases := []struct {
		name string
		res  notedoc.AtomicSaveResult
		want bool
	}{
		{
			name: "all true, no fallback",
			res:  notedoc.AtomicSaveResult{Success: true, ContentSaved: true, MetadataSaved: true},
			want: true,
		},
		{
			name: "used fallback",
			res:  notedoc.AtomicSaveResult{Success: true, UsedFallback: true, ContentSaved: true, MetadataSaved: true},
			want: false,
		},
		{
			name: "not successful",
			res:  notedoc.AtomicSaveResult{ContentSaved: true, MetadataSaved: true},
			want: false,
		},
		{
			name: "metadata not saved",
			res:  notedoc.AtomicSaveResult{Success: true, ContentSaved: true},
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.res.FullyAtomic())
		})
	}
}
