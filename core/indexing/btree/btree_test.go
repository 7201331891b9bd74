package btree

import (
	"math/rand"
	"path/filepath"
	"slices"
	"testing"

	googlebtree "github.com/google/btree"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/minidb/core/storage_engine/datamanager"
	"github.com/sushant-115/minidb/core/transaction"
	pagemanager "github.com/sushant-115/minidb/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const testCacheSize = 256 * pagemanager.PageSize

// --- Test Helpers ---

type storageFixture struct {
	path string
	tm   *transaction.StatusStore
}

func setupStorage(t *testing.T) (*datamanager.DataManager, *storageFixture) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tree")
	tm, err := transaction.CreateStatusStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { tm.Close() })
	dm, err := datamanager.Create(path, testCacheSize, tm, zap.NewNop())
	require.NoError(t, err)
	return dm, &storageFixture{path: path, tm: tm}
}

func setupTree(t *testing.T) (*BTree, *datamanager.DataManager) {
	t.Helper()
	dm, _ := setupStorage(t)
	bootUID, err := Create(dm)
	require.NoError(t, err)
	tree, err := Load(bootUID, dm)
	require.NoError(t, err)
	t.Cleanup(func() {
		tree.Close()
		dm.Close()
	})
	return tree, dm
}

// entry is an oracle item ordered by key, then uid.
type entry struct {
	key int64
	uid uint64
}

func (e entry) Less(than googlebtree.Item) bool {
	o := than.(entry)
	if e.key != o.key {
		return e.key < o.key
	}
	return e.uid < o.uid
}

func oracleRange(oracle *googlebtree.BTree, left, right int64) []entry {
	var out []entry
	oracle.AscendGreaterOrEqual(entry{key: left}, func(i googlebtree.Item) bool {
		e := i.(entry)
		if e.key > right {
			return false
		}
		out = append(out, e)
		return true
	})
	return out
}

// requireRange checks the tree against the oracle for [left, right]: same
// entries, ascending keys.
func requireRange(t *testing.T, tree *BTree, oracle *googlebtree.BTree, keyOf map[uint64]int64, left, right int64) {
	t.Helper()
	uids, err := tree.SearchRange(left, right)
	require.NoError(t, err)

	got := make([]entry, 0, len(uids))
	for i, uid := range uids {
		key, ok := keyOf[uid]
		require.True(t, ok, "unknown uid %d", uid)
		if i > 0 {
			require.LessOrEqual(t, got[i-1].key, key, "range [%d,%d] not in key order", left, right)
		}
		got = append(got, entry{key: key, uid: uid})
	}
	slices.SortFunc(got, func(a, b entry) int {
		if a.Less(b) {
			return -1
		}
		if b.Less(a) {
			return 1
		}
		return 0
	})
	want := oracleRange(oracle, left, right)
	require.Equal(t, len(want), len(got), "range [%d,%d]", left, right)
	if len(want) > 0 {
		require.Equal(t, want, got, "range [%d,%d]", left, right)
	}
}

// --- Test Cases ---

func TestEmptyTree(t *testing.T) {
	tree, _ := setupTree(t)
	uids, err := tree.Search(42)
	require.NoError(t, err)
	require.Empty(t, uids)

	uids, err = tree.SearchRange(-1<<63, MaxKey)
	require.NoError(t, err)
	require.Empty(t, uids)
}

func TestInsertAndSearch(t *testing.T) {
	tree, _ := setupTree(t)
	for i := int64(1); i <= 10; i++ {
		require.NoError(t, tree.Insert(i*10, uint64(i)))
	}
	uids, err := tree.Search(50)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, uids)

	uids, err = tree.Search(55)
	require.NoError(t, err)
	require.Empty(t, uids)

	uids, err = tree.SearchRange(25, 70)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4, 5, 6, 7}, uids)
}

func TestSplitsKeepOrderAgainstOracle(t *testing.T) {
	tree, _ := setupTree(t)
	oracle := googlebtree.New(8)
	keyOf := make(map[uint64]int64)
	rng := rand.New(rand.NewSource(7))

	const n = 3000
	for i := 1; i <= n; i++ {
		key := rng.Int63n(2000) - 1000 // plenty of duplicates and negatives
		uid := uint64(i)
		require.NoError(t, tree.Insert(key, uid))
		oracle.ReplaceOrInsert(entry{key: key, uid: uid})
		keyOf[uid] = key
	}

	requireRange(t, tree, oracle, keyOf, -1<<63, MaxKey)
	for i := 0; i < 200; i++ {
		a, b := rng.Int63n(2200)-1100, rng.Int63n(2200)-1100
		if a > b {
			a, b = b, a
		}
		requireRange(t, tree, oracle, keyOf, a, b)
	}
	for key := int64(-1000); key < 1000; key += 37 {
		requireRange(t, tree, oracle, keyOf, key, key)
	}
}

func TestManyDuplicatesOfOneKey(t *testing.T) {
	tree, _ := setupTree(t)
	const copies = 5 * 2 * balanceNumber
	for i := 1; i <= copies; i++ {
		require.NoError(t, tree.Insert(7, uint64(i)))
		require.NoError(t, tree.Insert(int64(i%3), uint64(copies+i)))
	}

	uids, err := tree.Search(7)
	require.NoError(t, err)
	require.Len(t, uids, copies, "every copy of a duplicated key must be found across splits")
	for _, uid := range uids {
		require.LessOrEqual(t, uid, uint64(copies))
	}

	uids, err = tree.SearchRange(0, 2)
	require.NoError(t, err)
	require.Len(t, uids, copies)
}

func TestAscendingAndDescendingInserts(t *testing.T) {
	for name, keyAt := range map[string]func(i int) int64{
		"ascending":  func(i int) int64 { return int64(i) },
		"descending": func(i int) int64 { return int64(10000 - i) },
	} {
		t.Run(name, func(t *testing.T) {
			tree, _ := setupTree(t)
			oracle := googlebtree.New(8)
			keyOf := make(map[uint64]int64)
			for i := 1; i <= 1500; i++ {
				key := keyAt(i)
				require.NoError(t, tree.Insert(key, uint64(i)))
				oracle.ReplaceOrInsert(entry{key: key, uid: uint64(i)})
				keyOf[uint64(i)] = key
			}
			requireRange(t, tree, oracle, keyOf, -1<<63, MaxKey)
			requireRange(t, tree, oracle, keyOf, 700, 1200)
			requireRange(t, tree, oracle, keyOf, 8600, 8601)
		})
	}
}

func TestTreeSurvivesReopen(t *testing.T) {
	dm, fx := setupStorage(t)
	bootUID, err := Create(dm)
	require.NoError(t, err)
	tree, err := Load(bootUID, dm)
	require.NoError(t, err)
	for i := 1; i <= 1000; i++ {
		require.NoError(t, tree.Insert(int64(i), uint64(i)))
	}
	tree.Close()
	require.NoError(t, dm.Close())

	dm, err = datamanager.Open(fx.path, testCacheSize, fx.tm, nil)
	require.NoError(t, err)
	defer dm.Close()
	tree, err = Load(bootUID, dm)
	require.NoError(t, err)
	defer tree.Close()

	uids, err := tree.SearchRange(1, 1000)
	require.NoError(t, err)
	require.Len(t, uids, 1000)
	require.Equal(t, uint64(1), uids[0])
	require.Equal(t, uint64(1000), uids[999])
}

func TestConcurrentSearchDuringInsert(t *testing.T) {
	tree, _ := setupTree(t)
	for i := 1; i <= 500; i++ {
		require.NoError(t, tree.Insert(int64(i), uint64(i)))
	}

	var g errgroup.Group
	g.Go(func() error {
		for i := 501; i <= 1500; i++ {
			if err := tree.Insert(int64(i), uint64(i)); err != nil {
				return err
			}
		}
		return nil
	})
	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for i := 0; i < 200; i++ {
				uids, err := tree.SearchRange(1, 500)
				if err != nil {
					return err
				}
				if len(uids) != 500 {
					t.Errorf("saw %d of the 500 stable keys", len(uids))
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	uids, err := tree.SearchRange(1, 1500)
	require.NoError(t, err)
	require.Len(t, uids, 1500)
}

func TestClosedTree(t *testing.T) {
	tree, _ := setupTree(t)
	tree.Close()
	_, err := tree.Search(1)
	require.ErrorIs(t, err, ErrTreeClosed)
	require.ErrorIs(t, tree.Insert(1, 1), ErrTreeClosed)
}
