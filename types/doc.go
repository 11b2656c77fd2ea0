// Package types defines the shared domain model for ReviewFlow: analysis
// sessions, worker runs, knowledge-graph entities, synthesis reports, the
// worker plug-in contract, and the unified error taxonomy.
//
// The package has no dependencies on other reviewflow packages so that
// every component (session store, registry, workflow engine, knowledge
// graph, quality gate, synthesizer) can share these definitions without
// import cycles.
package types
