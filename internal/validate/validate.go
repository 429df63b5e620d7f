// Package validate checks graph templates for structural and schema
// soundness. Validation runs asynchronously after every template upsert;
// readers keep observing the previous VALID snapshot until it completes.
package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/exospherehost/state-manager/internal/depstr"
	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/secrets"
)

// Catalog resolves registered node kinds during validation.
type Catalog interface {
	GetRegisteredNode(ctx context.Context, namespace, name string) (*model.RegisteredNode, error)
}

// systemNamespaces may be referenced by any graph in addition to its own.
var systemNamespaces = map[string]bool{
	"exosphere": true,
}

// Graph runs every rule and returns human-readable error strings; an empty
// result means the template is VALID.
func Graph(ctx context.Context, g *model.GraphTemplate, catalog Catalog) []string {
	var errs []string
	errs = append(errs, checkGraphMeta(g)...)
	errs = append(errs, checkNodeNames(g)...)
	errs = append(errs, checkIdentifiers(g)...)
	errs = append(errs, checkNextNodes(g)...)
	errs = append(errs, checkUnites(g)...)
	errs = append(errs, checkSingleRoot(g)...)
	errs = append(errs, checkConnectedAcyclic(g)...)
	errs = append(errs, checkStoreRefs(g)...)
	// Rules that need the node catalog run only on structurally sound
	// graphs; their messages would be noise otherwise.
	if len(errs) == 0 {
		errs = append(errs, checkRegisteredNodes(ctx, g, catalog)...)
		errs = append(errs, checkInputDeps(ctx, g, catalog)...)
		errs = append(errs, checkRequiredSecrets(ctx, g, catalog)...)
	}
	return errs
}

func checkGraphMeta(g *model.GraphTemplate) []string {
	var errs []string
	if strings.TrimSpace(g.Name) == "" {
		errs = append(errs, "graph name must be non-empty")
	}
	if strings.TrimSpace(g.Namespace) == "" {
		errs = append(errs, "graph namespace must be non-empty")
	}
	seen := map[string]bool{}
	for _, k := range g.Store.RequiredKeys {
		if strings.Contains(k, ".") {
			errs = append(errs, fmt.Sprintf("store key %q must not contain '.'", k))
		}
		if seen[k] {
			errs = append(errs, fmt.Sprintf("duplicate store key %q", k))
		}
		seen[k] = true
	}
	for k := range g.Store.DefaultValues {
		if strings.Contains(k, ".") {
			errs = append(errs, fmt.Sprintf("store key %q must not contain '.'", k))
		}
	}
	for name, sealed := range g.Secrets {
		if err := secrets.ValidateSealed(sealed); err != nil {
			errs = append(errs, fmt.Sprintf("secret %q: %v", name, err))
		}
	}
	sort.Strings(errs)
	return errs
}

func checkNodeNames(g *model.GraphTemplate) []string {
	var errs []string
	for _, n := range g.Nodes {
		if strings.TrimSpace(n.NodeName) == "" {
			errs = append(errs, fmt.Sprintf("node %q has an empty node_name", n.Identifier))
		}
		if strings.TrimSpace(n.Namespace) == "" {
			errs = append(errs, fmt.Sprintf("node %q has an empty namespace", n.Identifier))
			continue
		}
		if n.Namespace != g.Namespace && !systemNamespaces[n.Namespace] {
			errs = append(errs, fmt.Sprintf("node %q namespace %q is neither the graph namespace nor a system namespace", n.Identifier, n.Namespace))
		}
	}
	return errs
}

func checkIdentifiers(g *model.GraphTemplate) []string {
	var errs []string
	seen := map[string]bool{}
	for _, n := range g.Nodes {
		id := n.Identifier
		if strings.TrimSpace(id) == "" {
			errs = append(errs, "node identifier must be non-empty")
			continue
		}
		if id == model.ReservedStoreIdentifier {
			errs = append(errs, fmt.Sprintf("node identifier %q is reserved", id))
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("duplicate node identifier %q", id))
		}
		seen[id] = true
	}
	return errs
}

func checkNextNodes(g *model.GraphTemplate) []string {
	var errs []string
	ids := identifierSet(g)
	for _, n := range g.Nodes {
		seen := map[string]bool{}
		for _, next := range n.NextNodes {
			if next != strings.TrimSpace(next) || next == "" {
				errs = append(errs, fmt.Sprintf("node %q lists an untrimmed or empty successor %q", n.Identifier, next))
				continue
			}
			if !ids[next] {
				errs = append(errs, fmt.Sprintf("node %q lists unknown successor %q", n.Identifier, next))
			}
			if seen[next] {
				errs = append(errs, fmt.Sprintf("node %q lists successor %q twice", n.Identifier, next))
			}
			seen[next] = true
		}
	}
	return errs
}

func checkUnites(g *model.GraphTemplate) []string {
	var errs []string
	ids := identifierSet(g)
	for _, n := range g.Nodes {
		if n.Unites == nil {
			continue
		}
		u := n.Unites
		if !ids[u.Identifier] {
			errs = append(errs, fmt.Sprintf("node %q unites with unknown identifier %q", n.Identifier, u.Identifier))
		}
		if u.Identifier == n.Identifier {
			errs = append(errs, fmt.Sprintf("node %q may not unite with itself", n.Identifier))
		}
		if u.Strategy != model.UnitesAllSuccess && u.Strategy != model.UnitesAllDone {
			errs = append(errs, fmt.Sprintf("node %q has unknown unites strategy %q", n.Identifier, u.Strategy))
		}
	}
	return errs
}

func checkSingleRoot(g *model.GraphTemplate) []string {
	if len(g.Nodes) == 0 {
		return []string{"graph must declare at least one node"}
	}
	roots := rootIdentifiers(g)
	if len(roots) != 1 {
		return []string{fmt.Sprintf("graph must have exactly one root node (found %d: %v)", len(roots), roots)}
	}
	return nil
}

func checkConnectedAcyclic(g *model.GraphTemplate) []string {
	var errs []string
	if len(g.Nodes) == 0 {
		return nil
	}

	// Weak connectivity over undirected next_nodes edges.
	adj := map[string][]string{}
	for _, n := range g.Nodes {
		for _, next := range n.NextNodes {
			adj[n.Identifier] = append(adj[n.Identifier], next)
			adj[next] = append(adj[next], n.Identifier)
		}
	}
	visited := map[string]bool{}
	stack := []string{g.Nodes[0].Identifier}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		stack = append(stack, adj[id]...)
	}
	for _, n := range g.Nodes {
		if !visited[n.Identifier] {
			errs = append(errs, fmt.Sprintf("node %q is disconnected from the graph", n.Identifier))
		}
	}

	// Acyclicity over directed next_nodes edges (unites is metadata only).
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := map[string]int{}
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = grey
		if n, ok := g.Node(id); ok {
			for _, next := range n.NextNodes {
				switch color[next] {
				case grey:
					return true
				case white:
					if dfs(next) {
						return true
					}
				}
			}
		}
		color[id] = black
		return false
	}
	for _, n := range g.Nodes {
		if color[n.Identifier] == white && dfs(n.Identifier) {
			errs = append(errs, "graph contains a cycle over next_nodes edges")
			break
		}
	}
	return errs
}

func checkStoreRefs(g *model.GraphTemplate) []string {
	var errs []string
	for _, n := range g.Nodes {
		for field, raw := range n.Inputs {
			parsed, err := depstr.Parse(raw)
			if err != nil {
				errs = append(errs, fmt.Sprintf("node %q input %q: %v", n.Identifier, field, err))
				continue
			}
			for _, ref := range parsed.Refs() {
				if ref.IsStore() && !g.Store.Declares(ref.Field) {
					errs = append(errs, fmt.Sprintf("node %q input %q references store key %q which is neither required nor defaulted", n.Identifier, field, ref.Field))
				}
			}
		}
	}
	return errs
}

func checkInputDeps(ctx context.Context, g *model.GraphTemplate, catalog Catalog) []string {
	var errs []string
	ancestors := guaranteedAncestors(g)
	for _, n := range g.Nodes {
		for field, raw := range n.Inputs {
			parsed, err := depstr.Parse(raw)
			if err != nil {
				continue // reported by checkStoreRefs
			}
			for _, ref := range parsed.Refs() {
				if ref.IsStore() {
					continue
				}
				if !ancestors[n.Identifier][ref.Identifier] {
					errs = append(errs, fmt.Sprintf("node %q input %q references %q which is not an ancestor on every path from the root", n.Identifier, field, ref.Identifier))
					continue
				}
				src, _ := g.Node(ref.Identifier)
				reg, err := catalog.GetRegisteredNode(ctx, src.Namespace, src.NodeName)
				if err != nil {
					continue // reported by checkRegisteredNodes
				}
				if !model.SchemaFields(reg.OutputsSchema)[ref.Field] {
					errs = append(errs, fmt.Sprintf("node %q input %q references output field %q not declared by node kind %q", n.Identifier, field, ref.Field, src.NodeName))
				}
			}
		}
	}
	return errs
}

func checkRegisteredNodes(ctx context.Context, g *model.GraphTemplate, catalog Catalog) []string {
	var errs []string
	for _, n := range g.Nodes {
		reg, err := catalog.GetRegisteredNode(ctx, n.Namespace, n.NodeName)
		if err != nil {
			errs = append(errs, fmt.Sprintf("node %q: no registered node %q in namespace %q", n.Identifier, n.NodeName, n.Namespace))
			continue
		}
		if err := CompileSchema(reg.InputsSchema); err != nil {
			errs = append(errs, fmt.Sprintf("node kind %q has an invalid inputs schema: %v", n.NodeName, err))
			continue
		}
		want := model.SchemaFields(reg.InputsSchema)
		got := map[string]bool{}
		for field := range n.Inputs {
			got[field] = true
		}
		for field := range want {
			if !got[field] {
				errs = append(errs, fmt.Sprintf("node %q is missing input %q required by node kind %q", n.Identifier, field, n.NodeName))
			}
		}
		for field := range got {
			if !want[field] {
				errs = append(errs, fmt.Sprintf("node %q supplies input %q not declared by node kind %q", n.Identifier, field, n.NodeName))
			}
		}
	}
	return errs
}

func checkRequiredSecrets(ctx context.Context, g *model.GraphTemplate, catalog Catalog) []string {
	var errs []string
	for _, n := range g.Nodes {
		reg, err := catalog.GetRegisteredNode(ctx, n.Namespace, n.NodeName)
		if err != nil {
			continue
		}
		for _, name := range reg.Secrets {
			if _, ok := g.Secrets[name]; !ok {
				errs = append(errs, fmt.Sprintf("node kind %q requires secret %q which the graph does not provide", n.NodeName, name))
			}
		}
	}
	return errs
}

// CompileSchema confirms a schema document is valid JSON Schema.
func CompileSchema(schema map[string]any) error {
	b, err := json.Marshal(schema)
	if err != nil {
		return err
	}
	_, err = jsonschema.CompileString("schema.json", string(b))
	return err
}

func identifierSet(g *model.GraphTemplate) map[string]bool {
	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.Identifier] = true
	}
	return ids
}

func rootIdentifiers(g *model.GraphTemplate) []string {
	indeg := map[string]int{}
	for _, n := range g.Nodes {
		if _, ok := indeg[n.Identifier]; !ok {
			indeg[n.Identifier] = 0
		}
		for _, next := range n.NextNodes {
			indeg[next]++
		}
	}
	var roots []string
	for _, n := range g.Nodes {
		if indeg[n.Identifier] == 0 {
			roots = append(roots, n.Identifier)
		}
	}
	sort.Strings(roots)
	return roots
}

// guaranteedAncestors computes, per node, the set of identifiers that appear
// on every path from the root: the intersection over predecessors p of
// ancestors(p) ∪ {p}, in topological order.
func guaranteedAncestors(g *model.GraphTemplate) map[string]map[string]bool {
	preds := map[string][]string{}
	indeg := map[string]int{}
	for _, n := range g.Nodes {
		if _, ok := indeg[n.Identifier]; !ok {
			indeg[n.Identifier] = 0
		}
		for _, next := range n.NextNodes {
			preds[next] = append(preds[next], n.Identifier)
			indeg[next]++
		}
	}
	var queue []string
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	anc := map[string]map[string]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		cur := map[string]bool{}
		for i, p := range preds[id] {
			through := map[string]bool{p: true}
			for a := range anc[p] {
				through[a] = true
			}
			if i == 0 {
				cur = through
				continue
			}
			for a := range cur {
				if !through[a] {
					delete(cur, a)
				}
			}
		}
		anc[id] = cur
		if n, ok := g.Node(id); ok {
			for _, next := range n.NextNodes {
				indeg[next]--
				if indeg[next] == 0 {
					queue = append(queue, next)
				}
			}
		}
	}
	return anc
}
