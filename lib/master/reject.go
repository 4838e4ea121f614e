package master

import "github.com/larchdb/larch/rpc/common"

// rejectOperation decides whether an operation conditioned by rules may
// proceed against an object whose current version is currentVersion
// (common.VersionNonexistent when the object does not exist). It is a pure
// function of its inputs. The returned status is StatusOK on acceptance,
// otherwise the rejection kind; the caller surfaces the version it passed
// in alongside the status.
func rejectOperation(rules common.RejectRules, currentVersion uint64) common.Status {
	if currentVersion == common.VersionNonexistent {
		if rules.DoesntExist {
			return common.StatusObjectDoesntExist
		}
		return common.StatusOK
	}
	if rules.Exists {
		return common.StatusObjectExists
	}
	if rules.VersionLeGiven && currentVersion <= rules.GivenVersion {
		return common.StatusWrongVersion
	}
	if rules.VersionNeGiven && currentVersion != rules.GivenVersion {
		return common.StatusWrongVersion
	}
	return common.StatusOK
}
