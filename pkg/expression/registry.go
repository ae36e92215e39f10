package expression

import (
	"sort"
	"strings"

	celgo "github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

const defaultTopKeys = 5

var (
	listOfDyn  = celgo.ListType(celgo.DynType)
	mapOfDyn   = celgo.MapType(celgo.DynType, celgo.DynType)
	listOfText = celgo.ListType(celgo.StringType)
)

// aggregation is one entry of the function registry.
type aggregation struct {
	name      string
	overloads []celgo.FunctionOpt
}

// registry is built once; expression environments share it read-only.
var registry = []aggregation{
	{name: "sum", overloads: numericReducer("sum", sumOf)},
	{name: "avg", overloads: numericReducer("avg", avgOf)},
	{name: "max", overloads: numericReducer("max", maxOf)},
	{name: "min", overloads: numericReducer("min", minOf)},
	{name: "count", overloads: []celgo.FunctionOpt{
		celgo.Overload("count_list", []*celgo.Type{listOfDyn}, celgo.DoubleType,
			celgo.UnaryBinding(countOf)),
		celgo.Overload("count_list_string", []*celgo.Type{listOfDyn, celgo.StringType}, celgo.DoubleType,
			celgo.BinaryBinding(countFieldOf)),
	}},
	{name: "merge", overloads: merger("merge", mergeSum)},
	{name: "merge_sum", overloads: merger("merge_sum", mergeSum)},
	{name: "merge_max", overloads: merger("merge_max", mergeMax)},
	{name: "merge_last", overloads: merger("merge_last", mergeLast)},
	{name: "flatten", overloads: flattener("flatten")},
	{name: "collect", overloads: flattener("collect")},
	{name: "top_keys", overloads: []celgo.FunctionOpt{
		celgo.Overload("top_keys_map", []*celgo.Type{mapOfDyn}, listOfText,
			celgo.UnaryBinding(func(arg ref.Val) ref.Val {
				return topKeys(arg, types.Int(defaultTopKeys))
			})),
		celgo.Overload("top_keys_map_dyn", []*celgo.Type{mapOfDyn, celgo.DynType}, listOfText,
			celgo.BinaryBinding(topKeys)),
	}},
	{name: "includes", overloads: []celgo.FunctionOpt{
		celgo.Overload("includes_dyn_dyn", []*celgo.Type{celgo.DynType, celgo.DynType}, celgo.BoolType,
			celgo.BinaryBinding(includes)),
	}},
}

// Functions lists the registered aggregation function names.
func Functions() []string {
	names := make([]string, 0, len(registry))
	for _, entry := range registry {
		names = append(names, entry.name)
	}

	sort.Strings(names)

	return names
}

func registryFunctions() []celgo.EnvOption {
	options := make([]celgo.EnvOption, 0, len(registry))
	for _, entry := range registry {
		options = append(options, celgo.Function(entry.name, entry.overloads...))
	}

	return options
}

// numericReducer declares fn(list) and fn(list, field). The field form projects
// each map element onto field, skipping elements that lack it.
func numericReducer(name string, reduce func([]float64) ref.Val) []celgo.FunctionOpt {
	return []celgo.FunctionOpt{
		celgo.Overload(name+"_list", []*celgo.Type{listOfDyn}, celgo.DoubleType,
			celgo.UnaryBinding(func(arg ref.Val) ref.Val {
				list, ok := arg.(traits.Lister)
				if !ok {
					return types.MaybeNoSuchOverloadErr(arg)
				}

				return reduce(numbers(elements(list)))
			})),
		celgo.Overload(name+"_list_string", []*celgo.Type{listOfDyn, celgo.StringType}, celgo.DoubleType,
			celgo.BinaryBinding(func(lhs, rhs ref.Val) ref.Val {
				list, ok := lhs.(traits.Lister)
				if !ok {
					return types.MaybeNoSuchOverloadErr(lhs)
				}

				field, ok := rhs.(types.String)
				if !ok {
					return types.MaybeNoSuchOverloadErr(rhs)
				}

				return reduce(numbers(project(elements(list), field)))
			})),
	}
}

func merger(name string, combine func(existing, value ref.Val) ref.Val) []celgo.FunctionOpt {
	return []celgo.FunctionOpt{
		celgo.Overload(name+"_list", []*celgo.Type{listOfDyn}, mapOfDyn,
			celgo.UnaryBinding(func(arg ref.Val) ref.Val {
				list, ok := arg.(traits.Lister)
				if !ok {
					return types.MaybeNoSuchOverloadErr(arg)
				}

				return mergeMaps(elements(list), combine)
			})),
	}
}

func flattener(name string) []celgo.FunctionOpt {
	return []celgo.FunctionOpt{
		celgo.Overload(name+"_list", []*celgo.Type{listOfDyn}, listOfDyn,
			celgo.UnaryBinding(func(arg ref.Val) ref.Val {
				list, ok := arg.(traits.Lister)
				if !ok {
					return types.MaybeNoSuchOverloadErr(arg)
				}

				var out []ref.Val

				for _, item := range elements(list) {
					if nested, isList := item.(traits.Lister); isList {
						out = append(out, elements(nested)...)

						continue
					}

					out = append(out, item)
				}

				return types.NewRefValList(types.DefaultTypeAdapter, out)
			})),
	}
}

func elements(list traits.Lister) []ref.Val {
	var out []ref.Val

	it := list.Iterator()
	for it.HasNext() == types.True {
		out = append(out, it.Next())
	}

	return out
}

func project(items []ref.Val, field types.String) []ref.Val {
	var out []ref.Val

	for _, item := range items {
		mapper, ok := item.(traits.Mapper)
		if !ok {
			continue
		}

		if value, found := mapper.Find(field); found {
			out = append(out, value)
		}
	}

	return out
}

func toNumber(value ref.Val) (float64, bool) {
	switch v := value.(type) {
	case types.Double:
		return float64(v), true
	case types.Int:
		return float64(v), true
	case types.Uint:
		return float64(v), true
	default:
		return 0, false
	}
}

func numbers(items []ref.Val) []float64 {
	var out []float64

	for _, item := range items {
		if n, ok := toNumber(item); ok {
			out = append(out, n)
		}
	}

	return out
}

func sumOf(values []float64) ref.Val {
	total := 0.0
	for _, v := range values {
		total += v
	}

	return types.Double(total)
}

func avgOf(values []float64) ref.Val {
	if len(values) == 0 {
		return types.Double(0)
	}

	total := 0.0
	for _, v := range values {
		total += v
	}

	return types.Double(total / float64(len(values)))
}

func maxOf(values []float64) ref.Val {
	if len(values) == 0 {
		return types.NewErr("max of an empty list")
	}

	best := values[0]
	for _, v := range values[1:] {
		if v > best {
			best = v
		}
	}

	return types.Double(best)
}

func minOf(values []float64) ref.Val {
	if len(values) == 0 {
		return types.NewErr("min of an empty list")
	}

	best := values[0]
	for _, v := range values[1:] {
		if v < best {
			best = v
		}
	}

	return types.Double(best)
}

func countOf(arg ref.Val) ref.Val {
	list, ok := arg.(traits.Lister)
	if !ok {
		return types.MaybeNoSuchOverloadErr(arg)
	}

	return types.Double(len(elements(list)))
}

// countFieldOf counts elements whose field is present and not null.
func countFieldOf(lhs, rhs ref.Val) ref.Val {
	list, ok := lhs.(traits.Lister)
	if !ok {
		return types.MaybeNoSuchOverloadErr(lhs)
	}

	field, ok := rhs.(types.String)
	if !ok {
		return types.MaybeNoSuchOverloadErr(rhs)
	}

	count := 0

	for _, value := range project(elements(list), field) {
		if value != types.NullValue {
			count++
		}
	}

	return types.Double(count)
}

// mergeMaps folds a list of maps key by key. The first value seen for a key
// is kept unless combine replaces it; non-map elements are skipped.
func mergeMaps(items []ref.Val, combine func(existing, value ref.Val) ref.Val) ref.Val {
	merged := map[ref.Val]ref.Val{}

	var order []ref.Val

	for _, item := range items {
		mapper, ok := item.(traits.Mapper)
		if !ok {
			continue
		}

		it := mapper.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			value := mapper.Get(key)

			if types.IsError(value) {
				return value
			}

			existingKey, existing, found := lookupKey(merged, order, key)
			if !found {
				merged[key] = value
				order = append(order, key)

				continue
			}

			merged[existingKey] = combine(existing, value)
		}
	}

	return types.NewRefValMap(types.DefaultTypeAdapter, merged)
}

// lookupKey finds key by value equality; ref.Val keys of distinct instances
// do not compare equal as Go map keys.
func lookupKey(merged map[ref.Val]ref.Val, order []ref.Val, key ref.Val) (ref.Val, ref.Val, bool) {
	for _, candidate := range order {
		if candidate.Equal(key) == types.True {
			return candidate, merged[candidate], true
		}
	}

	return nil, nil, false
}

func mergeSum(existing, value ref.Val) ref.Val {
	a, okA := toNumber(existing)
	b, okB := toNumber(value)

	if !okA || !okB {
		return existing
	}

	return types.Double(a + b)
}

func mergeMax(existing, value ref.Val) ref.Val {
	a, okA := toNumber(existing)
	b, okB := toNumber(value)

	if !okA || !okB {
		return existing
	}

	if b > a {
		return types.Double(b)
	}

	return types.Double(a)
}

func mergeLast(_, value ref.Val) ref.Val {
	return value
}

type rankedKey struct {
	key   string
	value float64
}

// topKeys returns up to n keys of a map ordered by numeric value descending.
// Ties are broken by key so the result is deterministic.
func topKeys(arg, limit ref.Val) ref.Val {
	mapper, ok := arg.(traits.Mapper)
	if !ok {
		return types.MaybeNoSuchOverloadErr(arg)
	}

	n, ok := toNumber(limit)
	if !ok {
		return types.MaybeNoSuchOverloadErr(limit)
	}

	var ranked []rankedKey

	it := mapper.Iterator()
	for it.HasNext() == types.True {
		key := it.Next()

		name, isString := key.(types.String)
		if !isString {
			continue
		}

		if value, isNumber := toNumber(mapper.Get(key)); isNumber {
			ranked = append(ranked, rankedKey{key: string(name), value: value})
		}
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].value != ranked[j].value {
			return ranked[i].value > ranked[j].value
		}

		return ranked[i].key < ranked[j].key
	})

	keys := []string{}

	for i := 0; i < len(ranked) && float64(i) < n; i++ {
		keys = append(keys, ranked[i].key)
	}

	return types.NewStringList(types.DefaultTypeAdapter, keys)
}

// includes reports substring, list membership or map key presence. A null
// container includes nothing.
func includes(container, item ref.Val) ref.Val {
	switch c := container.(type) {
	case types.Null:
		return types.False
	case types.String:
		needle, ok := item.(types.String)
		if !ok {
			return types.MaybeNoSuchOverloadErr(item)
		}

		return types.Bool(strings.Contains(string(c), string(needle)))
	case traits.Mapper:
		_, found := c.Find(item)

		return types.Bool(found)
	case traits.Lister:
		for _, element := range elements(c) {
			if element.Equal(item) == types.True {
				return types.True
			}
		}

		return types.False
	default:
		return types.MaybeNoSuchOverloadErr(container)
	}
}
