package authority

import "github.com/astromechza/docsync/pkg/replica"

// loggedVector tracks which op ids are in the op log. Ids written out of
// order are held aside until the gap before them closes.
type loggedVector struct {
	sv    replica.StateVector
	ahead map[string]map[uint64]struct{}
}

func newLoggedVector() loggedVector {
	return loggedVector{sv: make(replica.StateVector), ahead: make(map[string]map[uint64]struct{})}
}

func (v *loggedVector) covers(id replica.ID) bool {
	if v.sv.Covers(id) {
		return true
	}
	_, ok := v.ahead[id.Client][id.Seq]
	return ok
}

func (v *loggedVector) add(id replica.ID) {
	next := v.sv[id.Client] + 1
	if id.Seq < next {
		return
	}
	if id.Seq > next {
		if v.ahead[id.Client] == nil {
			v.ahead[id.Client] = make(map[uint64]struct{})
		}
		v.ahead[id.Client][id.Seq] = struct{}{}
		return
	}
	pending := v.ahead[id.Client]
	for {
		v.sv[id.Client] = next
		next++
		if _, ok := pending[next]; !ok {
			break
		}
		delete(pending, next)
	}
	if len(pending) == 0 {
		delete(v.ahead, id.Client)
	}
}

func (v *loggedVector) vector() replica.StateVector {
	return v.sv.Clone()
}
