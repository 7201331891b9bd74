package engineservice

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sushant-115/minidb/core/storage_engine/common"
	versionmanager "github.com/sushant-115/minidb/core/version_manager"
)

// Verb names a statement kind.
type Verb string

const (
	VerbBegin  Verb = "BEGIN"
	VerbCommit Verb = "COMMIT"
	VerbAbort  Verb = "ABORT"
	VerbPut    Verb = "PUT"
	VerbGet    Verb = "GET"
	VerbDelete Verb = "DEL"
	VerbScan   Verb = "SCAN"
)

// Statement is one parsed client request.
type Statement struct {
	Verb  Verb
	Level versionmanager.IsolationLevel // BEGIN
	Key   int64                         // PUT, GET, DEL; low bound of SCAN
	High  int64                         // SCAN
	Value []byte                        // PUT
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), common.ErrInvalidCommand)
}

func parseKey(verb Verb, s string) (int64, error) {
	key, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, invalid("%s: bad key %q", verb, s)
	}
	return key, nil
}

// Parse parses one statement:
//
//	BEGIN [READ COMMITTED | REPEATABLE READ]
//	COMMIT
//	ABORT
//	PUT <key> <value>
//	GET <key>
//	DEL <key>
//	SCAN <low> <high>
//
// Verbs are case-insensitive; a PUT value runs to the end of the line.
func Parse(raw []byte) (Statement, error) {
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return Statement{}, invalid("empty statement")
	}
	verb := Verb(strings.ToUpper(fields[0]))
	args := fields[1:]
	stmt := Statement{Verb: verb}

	switch verb {
	case VerbBegin:
		switch strings.ToUpper(strings.Join(args, " ")) {
		case "", "READ COMMITTED":
			stmt.Level = versionmanager.ReadCommitted
		case "REPEATABLE READ":
			stmt.Level = versionmanager.RepeatableRead
		default:
			return Statement{}, invalid("BEGIN: unknown isolation level %q", strings.Join(args, " "))
		}
	case VerbCommit, VerbAbort:
		if len(args) != 0 {
			return Statement{}, invalid("%s takes no arguments", verb)
		}
	case VerbPut:
		if len(args) < 2 {
			return Statement{}, invalid("PUT requires a key and a value")
		}
		key, err := parseKey(verb, args[0])
		if err != nil {
			return Statement{}, err
		}
		stmt.Key = key
		// Keep the value's inner spacing.
		rest := strings.TrimSpace(string(raw))
		rest = strings.TrimSpace(rest[len(fields[0]):])
		stmt.Value = []byte(strings.TrimSpace(rest[len(args[0]):]))
	case VerbGet, VerbDelete:
		if len(args) != 1 {
			return Statement{}, invalid("%s requires a key", verb)
		}
		key, err := parseKey(verb, args[0])
		if err != nil {
			return Statement{}, err
		}
		stmt.Key = key
	case VerbScan:
		if len(args) != 2 {
			return Statement{}, invalid("SCAN requires a low and a high key")
		}
		lo, err := parseKey(verb, args[0])
		if err != nil {
			return Statement{}, err
		}
		hi, err := parseKey(verb, args[1])
		if err != nil {
			return Statement{}, err
		}
		stmt.Key, stmt.High = lo, hi
	default:
		return Statement{}, invalid("unknown statement %q", fields[0])
	}
	return stmt, nil
}
