package units

import (
	"testing"

	"github.com/McTwist/vmctrl/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUnits() []Unit {
	return []Unit{
		{ID: "100", Name: "router", Kind: KindContainer, Onboot: true, Order: 1},
		{ID: "101", Name: "dns", Kind: KindContainer, Onboot: false, Order: NoOrder},
		{ID: "200", Name: "web", Kind: KindVM, Onboot: true, Order: 3},
		{ID: "201", Name: "db", Kind: KindVM, Onboot: true, Order: 2},
		{ID: "202", Name: "", Kind: KindVM, Onboot: false, Order: NoOrder},
	}
}

func unitIDs(list []Unit) []string {
	ids := make([]string, 0, len(list))
	for _, unit := range list {
		ids = append(ids, unit.ID)
	}
	return ids
}

func TestNewDirectory(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		d, err := NewDirectory(testUnits())
		require.NoError(t, err)
		assert.Equal(t, 5, d.Len())
		assert.Equal(t, []string{"100", "101", "200", "201", "202"}, unitIDs(d.All()))
	})

	t.Run("duplicate_id", func(t *testing.T) {
		_, err := NewDirectory([]Unit{{ID: "100"}, {ID: "100"}})
		assert.Error(t, err)
		assert.True(t, errors.IsConflictError(err))
	})

	t.Run("invalid_id", func(t *testing.T) {
		_, err := NewDirectory([]Unit{{ID: "10 0"}})
		assert.Error(t, err)
		assert.True(t, errors.IsValidationError(err))
	})

	t.Run("empty", func(t *testing.T) {
		d, err := NewDirectory(nil)
		require.NoError(t, err)
		assert.Equal(t, 0, d.Len())
		assert.Empty(t, d.Onboot())
	})
}

func TestDirectory_OnbootKeepsLoadOrder(t *testing.T) {
	d, err := NewDirectory(testUnits())
	require.NoError(t, err)

	assert.Equal(t, []string{"100", "200", "201"}, unitIDs(d.Onboot()))
}

func TestDirectory_Lookup(t *testing.T) {
	d, err := NewDirectory(testUnits())
	require.NoError(t, err)

	unit, ok := d.Lookup("200")
	require.True(t, ok)
	assert.Equal(t, "web", unit.Name)

	unit, ok = d.Lookup("db")
	require.True(t, ok)
	assert.Equal(t, "201", unit.ID)

	_, ok = d.Lookup("nope")
	assert.False(t, ok)

	t.Run("id_wins_over_name", func(t *testing.T) {
		d, err := NewDirectory([]Unit{{ID: "300", Name: "301"}, {ID: "301", Name: "x"}})
		require.NoError(t, err)
		unit, ok := d.Lookup("301")
		require.True(t, ok)
		assert.Equal(t, "301", unit.ID)
	})

	t.Run("first_duplicate_name_wins", func(t *testing.T) {
		d, err := NewDirectory([]Unit{{ID: "1", Name: "same"}, {ID: "2", Name: "same"}})
		require.NoError(t, err)
		unit, ok := d.Lookup("same")
		require.True(t, ok)
		assert.Equal(t, "1", unit.ID)
	})
}

func TestDirectory_Resolve(t *testing.T) {
	d, err := NewDirectory(testUnits())
	require.NoError(t, err)

	found, unknown := d.Resolve([]string{"web", "999", "200", "100", "ghost"})

	assert.Equal(t, []string{"200", "100"}, unitIDs(found))
	require.Len(t, unknown, 2)
	assert.True(t, errors.IsUnknownUnitError(unknown[0]))
	assert.Contains(t, unknown[0].Error(), "999")
	assert.Contains(t, unknown[1].Error(), "ghost")
}

func TestDirectory_Filter(t *testing.T) {
	d, err := NewDirectory(testUnits())
	require.NoError(t, err)

	t.Run("exclude_only", func(t *testing.T) {
		filtered, unmatched, err := d.Filter(nil, []string{"dns", "202"})
		require.NoError(t, err)
		assert.Empty(t, unmatched)
		assert.Equal(t, []string{"100", "200", "201"}, unitIDs(filtered.All()))
	})

	t.Run("include_and_exclude", func(t *testing.T) {
		filtered, unmatched, err := d.Filter([]string{"web", "db", "missing"}, []string{"db"})
		require.NoError(t, err)
		assert.Equal(t, []string{"missing"}, unmatched)
		assert.Equal(t, []string{"200"}, unitIDs(filtered.All()))
	})
}

func TestSortOrders(t *testing.T) {
	list := testUnits()

	assert.Equal(t, []string{"100", "201", "200", "101", "202"}, unitIDs(SortForStart(list)))
	assert.Equal(t, []string{"101", "202", "200", "201", "100"}, unitIDs(SortForStop(list)))
	// input untouched
	assert.Equal(t, []string{"100", "101", "200", "201", "202"}, unitIDs(list))
}

func TestUnit_Label(t *testing.T) {
	assert.Equal(t, "web", Unit{ID: "200", Name: "web"}.Label())
	assert.Equal(t, "202", Unit{ID: "202"}.Label())
}

func TestValidateUnitID(t *testing.T) {
	assert.NoError(t, ValidateUnitID("100"))
	assert.NoError(t, ValidateUnitID("web-01.lan_a"))
	assert.Error(t, ValidateUnitID(""))
	assert.Error(t, ValidateUnitID("a/b"))
	long := make([]byte, 65)
	for i := range long {
		long[i] = 'a'
	}
	assert.Error(t, ValidateUnitID(string(long)))
}
