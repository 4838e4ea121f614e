package master

import (
	"testing"

	"github.com/larchdb/larch/rpc/common"
)

func TestRejectOperation(t *testing.T) {
	cases := []struct {
		name    string
		rules   common.RejectRules
		version uint64
		want    common.Status
	}{
		{"empty rules, missing object", common.RejectRules{}, 0, common.StatusOK},
		{"empty rules, existing object", common.RejectRules{}, 7, common.StatusOK},

		{"doesntExist, missing object",
			common.RejectRules{DoesntExist: true}, 0, common.StatusObjectDoesntExist},
		{"doesntExist, existing object",
			common.RejectRules{DoesntExist: true}, 1, common.StatusOK},

		// Only doesntExist applies when the object is missing.
		{"version rules ignored for missing object",
			common.RejectRules{Exists: true, VersionLeGiven: true, VersionNeGiven: true, GivenVersion: 5},
			0, common.StatusOK},

		{"exists, existing object",
			common.RejectRules{Exists: true}, 2, common.StatusObjectExists},

		{"versionLeGiven, below",
			common.RejectRules{VersionLeGiven: true, GivenVersion: 0x400000001},
			0x400000000, common.StatusWrongVersion},
		{"versionLeGiven, equal",
			common.RejectRules{VersionLeGiven: true, GivenVersion: 0x400000001},
			0x400000001, common.StatusWrongVersion},
		{"versionLeGiven, above",
			common.RejectRules{VersionLeGiven: true, GivenVersion: 0x400000001},
			0x400000002, common.StatusOK},

		{"versionNeGiven, below",
			common.RejectRules{VersionNeGiven: true, GivenVersion: 0x400000001},
			0x400000000, common.StatusWrongVersion},
		{"versionNeGiven, equal",
			common.RejectRules{VersionNeGiven: true, GivenVersion: 0x400000001},
			0x400000001, common.StatusOK},
		{"versionNeGiven, above",
			common.RejectRules{VersionNeGiven: true, GivenVersion: 0x400000001},
			0x400000002, common.StatusWrongVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rejectOperation(tc.rules, tc.version); got != tc.want {
				t.Errorf("rejectOperation(%+v, %d) = %s, want %s", tc.rules, tc.version, got, tc.want)
			}
		})
	}
}
