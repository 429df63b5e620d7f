package validate

import (
	"context"
	"strings"
	"testing"

	"github.com/exospherehost/state-manager/internal/model"
	"github.com/exospherehost/state-manager/internal/secrets"
	"github.com/exospherehost/state-manager/internal/store"
)

func objectSchema(fields ...string) map[string]any {
	props := map[string]any{}
	for _, f := range fields {
		props[f] = map[string]any{"type": "string"}
	}
	return map[string]any{"type": "object", "properties": props}
}

// catalogWith registers node kinds into a memory store and returns it.
func catalogWith(t *testing.T, nodes ...*model.RegisteredNode) *store.Memory {
	t.Helper()
	st := store.NewMemory()
	if err := st.UpsertRegisteredNodes(context.Background(), nodes); err != nil {
		t.Fatalf("register nodes: %v", err)
	}
	return st
}

func diamondTemplate(t *testing.T) (*model.GraphTemplate, *store.Memory) {
	t.Helper()
	catalog := catalogWith(t,
		&model.RegisteredNode{Name: "Split", Namespace: "acme", InputsSchema: objectSchema("path"), OutputsSchema: objectSchema("chunk")},
		&model.RegisteredNode{Name: "Work", Namespace: "acme", InputsSchema: objectSchema("chunk"), OutputsSchema: objectSchema("result")},
		&model.RegisteredNode{Name: "Join", Namespace: "acme", InputsSchema: objectSchema("source"), OutputsSchema: objectSchema("merged")},
	)
	g := &model.GraphTemplate{
		Name:      "diamond",
		Namespace: "acme",
		Nodes: []model.NodeTemplate{
			{NodeName: "Split", Namespace: "acme", Identifier: "split",
				Inputs: map[string]string{"path": "${{ store.path }}"}, NextNodes: []string{"left", "right"}},
			{NodeName: "Work", Namespace: "acme", Identifier: "left",
				Inputs: map[string]string{"chunk": "${{ split.outputs.chunk }}"}, NextNodes: []string{"join"}},
			{NodeName: "Work", Namespace: "acme", Identifier: "right",
				Inputs: map[string]string{"chunk": "${{ split.outputs.chunk }}"}, NextNodes: []string{"join"}},
			{NodeName: "Join", Namespace: "acme", Identifier: "join",
				Inputs: map[string]string{"source": "${{ split.outputs.chunk }}"},
				Unites: &model.Unites{Identifier: "split", Strategy: model.UnitesAllSuccess}},
		},
		Store: model.StoreConfig{RequiredKeys: []string{"path"}},
	}
	return g, catalog
}

func assertError(t *testing.T, errs []string, want string) {
	t.Helper()
	for _, e := range errs {
		if strings.Contains(e, want) {
			return
		}
	}
	t.Fatalf("no error containing %q in %v", want, errs)
}

func TestGraphValidTemplate(t *testing.T) {
	g, catalog := diamondTemplate(t)
	if errs := Graph(context.Background(), g, catalog); len(errs) != 0 {
		t.Fatalf("valid template rejected: %v", errs)
	}
}

func TestGraphDuplicateIdentifier(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[2].Identifier = "left"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `duplicate node identifier "left"`)
}

func TestGraphReservedIdentifier(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[1].Identifier = "store"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "reserved")
}

func TestGraphUnknownSuccessor(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[0].NextNodes = []string{"left", "ghost"}
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `unknown successor "ghost"`)
}

func TestGraphMultipleRoots(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes = append(g.Nodes, model.NodeTemplate{
		NodeName: "Work", Namespace: "acme", Identifier: "orphan-root",
		Inputs: map[string]string{"chunk": "x"}, NextNodes: []string{"join"},
	})
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "exactly one root")
}

func TestGraphCycle(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[3].NextNodes = []string{"left"}
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "cycle")
}

func TestGraphDisconnectedNode(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes = append(g.Nodes, model.NodeTemplate{
		NodeName: "Work", Namespace: "acme", Identifier: "island",
		Inputs: map[string]string{"chunk": "x"},
	})
	errs := Graph(context.Background(), g, catalog)
	// An extra in-degree-zero node trips the root rule first; the
	// connectivity rule covers islands behind declared edges.
	if len(errs) == 0 {
		t.Fatal("disconnected node accepted")
	}
}

func TestGraphUnitesRules(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[3].Unites = &model.Unites{Identifier: "ghost", Strategy: model.UnitesAllSuccess}
	assertError(t, Graph(context.Background(), g, catalog), `unites with unknown identifier "ghost"`)

	g, catalog = diamondTemplate(t)
	g.Nodes[3].Unites = &model.Unites{Identifier: "join", Strategy: model.UnitesAllSuccess}
	assertError(t, Graph(context.Background(), g, catalog), "may not unite with itself")

	g, catalog = diamondTemplate(t)
	g.Nodes[3].Unites = &model.Unites{Identifier: "split", Strategy: "SOMETIMES"}
	assertError(t, Graph(context.Background(), g, catalog), `unknown unites strategy "SOMETIMES"`)
}

func TestGraphUndeclaredStoreKey(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[0].Inputs["path"] = "${{ store.missing }}"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `store key "missing"`)
}

func TestGraphDefaultedStoreKeyAccepted(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[0].Inputs["path"] = "${{ store.region }}"
	g.Store.DefaultValues = map[string]string{"region": "eu-west-1"}
	if errs := Graph(context.Background(), g, catalog); len(errs) != 0 {
		t.Fatalf("defaulted store key rejected: %v", errs)
	}
}

func TestGraphMalformedPlaceholder(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[1].Inputs["chunk"] = "${{ split.chunk }}"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "neither")
}

func TestGraphNonGuaranteedAncestorReference(t *testing.T) {
	g, catalog := diamondTemplate(t)
	// join references left, which is only one branch of the diamond.
	g.Nodes[3].Inputs["source"] = "${{ left.outputs.result }}"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "not an ancestor on every path")
}

func TestGraphUnknownNodeKind(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[1].NodeName = "Unregistered"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `no registered node "Unregistered"`)
}

func TestGraphInputSetMismatch(t *testing.T) {
	g, catalog := diamondTemplate(t)
	delete(g.Nodes[1].Inputs, "chunk")
	g.Nodes[1].Inputs["extra"] = "x"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `missing input "chunk"`)
	assertError(t, errs, `supplies input "extra"`)
}

func TestGraphUndeclaredOutputField(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[1].Inputs["chunk"] = "${{ split.outputs.nope }}"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `output field "nope"`)
}

func TestGraphForeignNamespace(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Nodes[1].Namespace = "someone-else"
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, "neither the graph namespace nor a system namespace")
}

func TestGraphSystemNamespaceAllowed(t *testing.T) {
	g, _ := diamondTemplate(t)
	catalog := catalogWith(t,
		&model.RegisteredNode{Name: "Split", Namespace: "acme", InputsSchema: objectSchema("path"), OutputsSchema: objectSchema("chunk")},
		&model.RegisteredNode{Name: "Work", Namespace: "acme", InputsSchema: objectSchema("chunk"), OutputsSchema: objectSchema("result")},
		&model.RegisteredNode{Name: "Work", Namespace: "exosphere", InputsSchema: objectSchema("chunk"), OutputsSchema: objectSchema("result")},
		&model.RegisteredNode{Name: "Join", Namespace: "acme", InputsSchema: objectSchema("source"), OutputsSchema: objectSchema("merged")},
	)
	g.Nodes[1].Namespace = "exosphere"
	if errs := Graph(context.Background(), g, catalog); len(errs) != 0 {
		t.Fatalf("system-namespace node rejected: %v", errs)
	}
}

func TestGraphRequiredSecretMissing(t *testing.T) {
	g, _ := diamondTemplate(t)
	catalog := catalogWith(t,
		&model.RegisteredNode{Name: "Split", Namespace: "acme", InputsSchema: objectSchema("path"), OutputsSchema: objectSchema("chunk"), Secrets: []string{"api_key"}},
		&model.RegisteredNode{Name: "Work", Namespace: "acme", InputsSchema: objectSchema("chunk"), OutputsSchema: objectSchema("result")},
		&model.RegisteredNode{Name: "Join", Namespace: "acme", InputsSchema: objectSchema("source"), OutputsSchema: objectSchema("merged")},
	)
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `requires secret "api_key"`)
}

func TestGraphRequiredSecretProvided(t *testing.T) {
	g, _ := diamondTemplate(t)
	catalog := catalogWith(t,
		&model.RegisteredNode{Name: "Split", Namespace: "acme", InputsSchema: objectSchema("path"), OutputsSchema: objectSchema("chunk"), Secrets: []string{"api_key"}},
		&model.RegisteredNode{Name: "Work", Namespace: "acme", InputsSchema: objectSchema("chunk"), OutputsSchema: objectSchema("result")},
		&model.RegisteredNode{Name: "Join", Namespace: "acme", InputsSchema: objectSchema("source"), OutputsSchema: objectSchema("merged")},
	)
	env, err := secrets.NewEphemeral()
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	sealed, err := env.Seal("hunter2")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	g.Secrets = map[string]string{"api_key": sealed}
	if errs := Graph(context.Background(), g, catalog); len(errs) != 0 {
		t.Fatalf("template with sealed secret rejected: %v", errs)
	}
}

func TestGraphMalformedSealedSecret(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Secrets = map[string]string{"api_key": "plaintext-snuck-in"}
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `secret "api_key"`)
}

func TestGraphStoreKeyWithDot(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.Store.RequiredKeys = append(g.Store.RequiredKeys, "bad.key")
	errs := Graph(context.Background(), g, catalog)
	assertError(t, errs, `must not contain '.'`)
}

func TestCompileSchema(t *testing.T) {
	if err := CompileSchema(objectSchema("a", "b")); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}
	bad := map[string]any{"type": 12345}
	if err := CompileSchema(bad); err == nil {
		t.Fatal("invalid schema accepted")
	}
}

func TestRunnerLifecycle(t *testing.T) {
	g, catalog := diamondTemplate(t)
	g.ValidationStatus = model.ValidationPending
	g.RetryPolicy = model.DefaultRetryPolicy()
	ctx := context.Background()
	if err := catalog.UpsertGraphTemplate(ctx, g); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	var observed []bool
	r := &Runner{St: catalog, OnResult: func(valid bool) { observed = append(observed, valid) }}
	if err := r.Run(ctx, "acme", "diamond"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := catalog.GetGraphTemplate(ctx, "acme", "diamond")
	if got.ValidationStatus != model.ValidationValid {
		t.Fatalf("status = %s, errors = %v", got.ValidationStatus, got.ValidationErrors)
	}
	if len(observed) != 1 || !observed[0] {
		t.Fatalf("OnResult observations = %v", observed)
	}

	// Break the template and re-run: INVALID with recorded errors.
	got.Nodes[0].NextNodes = []string{"left", "ghost"}
	got.ValidationStatus = model.ValidationPending
	if err := catalog.UpsertGraphTemplate(ctx, got); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := r.Run(ctx, "acme", "diamond"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	again, _ := catalog.GetGraphTemplate(ctx, "acme", "diamond")
	if again.ValidationStatus != model.ValidationInvalid || len(again.ValidationErrors) == 0 {
		t.Fatalf("status = %s, errors = %v", again.ValidationStatus, again.ValidationErrors)
	}
}
