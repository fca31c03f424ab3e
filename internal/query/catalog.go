package query

import (
	"sort"
	"strconv"
)

// Params are string parameters of a catalog query.
type Params map[string]string

func (p Params) get(name string, defaults Params) string {
	if v, ok := p[name]; ok && v != "" {
		return v
	}
	return defaults[name]
}

// Entry is a named, parameterised query.
type Entry struct {
	Name        string
	Description string
	Defaults    Params
	build       func(p Params) *Query
}

// Build returns the query with p applied over the defaults.
func (e Entry) Build(p Params) *Query {
	merged := make(Params, len(e.Defaults))
	for k := range e.Defaults {
		merged[k] = p.get(k, e.Defaults)
	}
	for k, v := range p {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return e.build(merged).Named(e.Name)
}

var catalog = map[string]Entry{}

func register(e Entry) {
	catalog[e.Name] = e
}

// Lookup returns a catalog entry by name.
func Lookup(name string) (Entry, bool) {
	e, ok := catalog[name]
	return e, ok
}

// Catalog returns every entry sorted by name.
func Catalog() []Entry {
	out := make([]Entry, 0, len(catalog))
	for _, e := range catalog {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func entityNode(v, entityType string) NodePattern {
	return Node(v, "Entity").Where(Eq("type", entityType))
}

func init() {
	register(Entry{
		Name:        "most_expensive_order",
		Description: "Customer who placed the most expensive order.",
		Defaults: Params{
			"activity": "place order",
			"order":    "Order",
			"customer": "Customer",
			"price":    "price",
		},
		build: func(p Params) *Query {
			return New().
				Match(
					From(Node("e", "Event").Where(Eq("activity", p["activity"]))).
						Out(Edge("", "CORR"), entityNode("o", p["order"])),
					From(Node("e")).
						Out(Edge("", "CORR"), entityNode("c", p["customer"])),
				).
				Where(Cmp(Ref("e."+p["price"]), OpGe, Lit(0))).
				Return(
					Col("c.id").As("customer"),
					Col("o.id").As("order"),
					Col("e."+p["price"]).As("price"),
				).
				OrderBy("price", true).
				OrderBy("order", false).
				Limit(1)
		},
	})

	register(Entry{
		Name:        "paid_after_first_package",
		Description: "Orders whose payment comes after their first package was created.",
		Defaults: Params{
			"pay":     "pay order",
			"package": "create package",
			"order":   "Order",
		},
		build: func(p Params) *Query {
			return New().
				Match(
					From(Node("pay", "Event").Where(Eq("activity", p["pay"]))).
						Out(Edge("", "CORR"), entityNode("o", p["order"])),
					From(Node("pkg", "Event").Where(Eq("activity", p["package"]))).
						Out(Edge("", "CORR"), Node("o")),
				).
				Return(
					Col("o.id").As("order"),
					Col("pay.timestamp").As("paid"),
					Min("pkg.timestamp").As("first_package"),
				).
				Having(Cmp(Ref("paid"), OpGt, Ref("first_package"))).
				OrderBy("order", false).
				OrderBy("paid", false)
		},
	})

	register(Entry{
		Name:        "latest_event_per_entity",
		Description: "Most recent event of every entity of a type.",
		Defaults: Params{
			"type": "Order",
		},
		build: func(p Params) *Query {
			return New().
				Match(From(Node("e", "Event")).Out(Edge("", "CORR"), entityNode("o", p["type"]))).
				Return(
					Col("o.id").As("entity"),
					Col("e.id").As("event"),
					Col("e.activity").As("activity"),
					Col("e.timestamp").As("timestamp"),
					Col("e.row").As("row"),
				).
				OrderBy("entity", false).
				OrderBy("timestamp", true).
				OrderBy("row", true).
				OrderBy("event", true).
				TopPerGroup("entity", 1)
		},
	})

	register(Entry{
		Name:        "df_chain",
		Description: "Directly-follows steps of one entity in order.",
		Defaults: Params{
			"type": "Order",
			"id":   "",
		},
		build: func(p Params) *Query {
			return New().
				Match(From(Node("a", "Event")).
					Out(Edge("df", "DF").Where(Eq("entity_type", p["type"]), Eq("entity_id", p["id"])), Node("b", "Event"))).
				Return(
					Col("a.id").As("from"),
					Col("a.activity").As("from_activity"),
					Col("b.id").As("to"),
					Col("b.activity").As("to_activity"),
					Col("a.timestamp").As("at"),
					Col("a.row").As("row"),
				).
				OrderBy("at", false).
				OrderBy("row", false).
				OrderBy("from", false)
		},
	})

	register(Entry{
		Name:        "orders_by_customer_country",
		Description: "Orders per country of the customer who placed them, through the domain graph.",
		Defaults: Params{
			"order":        "Order",
			"customer":     "Customer",
			"relationship": "LOCATED_IN",
			"country":      "Country",
			"property":     "code",
			"min":          "0",
		},
		build: func(p Params) *Query {
			atLeast, err := strconv.ParseInt(p["min"], 10, 64)
			if err != nil {
				atLeast = 0
			}
			return New().
				Match(
					From(Node("e", "Event")).
						Out(Edge("", "CORR"), entityNode("o", p["order"])),
					From(Node("e")).
						Out(Edge("", "CORR"), entityNode("c", p["customer"])).
						Out(Edge("", "REL"), Node("dc", "Domain")).
						Out(Edge("", p["relationship"]), Node("k", p["country"])),
				).
				Return(
					Col("k."+p["property"]).As("country"),
					CountDistinct("o").As("orders"),
				).
				Having(Cmp(Ref("orders"), OpGe, Lit(atLeast))).
				OrderBy("orders", true).
				OrderBy("country", false)
		},
	})
}
