package msgwriter

import (
	"math"
	"reflect"

	"github.com/stacknerd/msghub/internal/message"
)

// valueIs compares metric values with Object-is semantics: NaN equals NaN,
// everything else compares by deep equality.
func valueIs(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		if math.IsNaN(af) && math.IsNaN(bf) {
			return true
		}
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// metricEqual reports whether two metric entries are equal. Only val and
// unit participate; the timestamp is bookkeeping, not payload.
func metricEqual(a, b message.Metric) bool {
	return a.Unit == b.Unit && valueIs(a.Val, b.Val)
}

// detailsEqual is deep equality over plain objects and arrays.
func detailsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

// actionsEqual is element-wise deep equality. Order is only stable if the
// caller provides it; element-wise equal slices count as unchanged.
func actionsEqual(a, b []message.Action) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !reflect.DeepEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

// diffMetrics drops set entries whose (val, unit) equal the stored entry and
// delete keys that are absent. The returned pair is what actually changes.
func diffMetrics(
	current map[string]message.Metric,
	set map[string]message.Metric,
	deleteKeys []string,
) (map[string]message.Metric, []string) {
	var outSet map[string]message.Metric
	for k, v := range set {
		if cur, ok := current[k]; ok && metricEqual(cur, v) {
			continue
		}
		if outSet == nil {
			outSet = make(map[string]message.Metric)
		}
		outSet[k] = v
	}
	var outDel []string
	for _, k := range deleteKeys {
		if _, ok := current[k]; ok {
			outDel = append(outDel, k)
		}
	}
	return outSet, outDel
}
