// Package dependencies builds and solves the inter-plugin dependency graph.
//
// # Overview
//
// Nodes are plugin names and an edge A -> B means "A requires B". Each edge
// carries a semantic version constraint and an optional flag. A name may have
// several available versions (installed plus candidates).
//
// # Resolution
//
// Resolve is a pure function of the manifest set it is given:
//
//  1. Cycles are found with a three-colour depth-first walk and reported as
//     *plugins.CircularDependencyError naming every node on the cycle.
//  2. Each edge is checked against the available versions of its target.
//     Unsatisfiable required edges fail with *plugins.DependencyConflictError;
//     unsatisfiable optional edges become warnings.
//  3. min_host_version is checked when a host version is configured.
//  4. Kahn's algorithm yields an order in which every plugin follows its
//     dependencies, with ties broken alphabetically.
//
// # Usage Example
//
//	resolver := dependencies.NewResolver(dependencies.WithHostVersion(host))
//	res, err := resolver.Resolve(manifests)
//	if err != nil {
//		return err
//	}
//	for _, name := range res.Order {
//		fmt.Println(name, res.Selected[name].Version)
//	}
//
// Impact analysis:
//
//	graph := dependencies.NewGraph(manifests)
//	impact := graph.ImpactAnalysis("aws-core")
//	fmt.Printf("Removing aws-core affects %d plugins\n", impact.TotalImpact)
package dependencies
