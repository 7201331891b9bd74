package engineservice

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/minidb/core/storage_engine/common"
	versionmanager "github.com/sushant-115/minidb/core/version_manager"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Statement
	}{
		{"begin default", "begin", Statement{Verb: VerbBegin, Level: versionmanager.ReadCommitted}},
		{"begin read committed", "BEGIN read committed", Statement{Verb: VerbBegin, Level: versionmanager.ReadCommitted}},
		{"begin repeatable read", "Begin Repeatable  Read", Statement{Verb: VerbBegin, Level: versionmanager.RepeatableRead}},
		{"commit", "  commit ", Statement{Verb: VerbCommit}},
		{"abort", "ABORT", Statement{Verb: VerbAbort}},
		{"put", "put 42 hello", Statement{Verb: VerbPut, Key: 42, Value: []byte("hello")}},
		{"put keeps inner spacing", "PUT -7   a  b c  ", Statement{Verb: VerbPut, Key: -7, Value: []byte("a  b c")}},
		{"get", "get 9", Statement{Verb: VerbGet, Key: 9}},
		{"del", "DEL 3", Statement{Verb: VerbDelete, Key: 3}},
		{"scan", "scan -10 10", Statement{Verb: VerbScan, Key: -10, High: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestParseRejects(t *testing.T) {
	for _, raw := range []string{
		"",
		"   ",
		"select * from t",
		"begin serializable",
		"commit now",
		"put 1",
		"put x value",
		"get",
		"get 1 2",
		"del one",
		"scan 1",
		"scan 1 z",
		"get 99999999999999999999",
	} {
		_, err := Parse([]byte(raw))
		require.ErrorIs(t, err, common.ErrInvalidCommand, "statement %q", raw)
		require.ErrorIs(t, err, common.ErrInvalidRequest)
	}
}
