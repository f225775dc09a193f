package workflow

import (
	"context"
	"fmt"
)

// Workflow types shipped with the engine.
const (
	MavenMaintenance = "maven_maintenance"
	TestGeneration   = "test_generation"
	ContainerDeploy  = "container_deploy"
)

// DefaultRegistry returns the built-in workflow catalog. The handlers here
// model the shape of each workflow against the shared state; real Maven, Git
// and Docker tooling plugs in behind the Invoker boundary.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(mavenMaintenance(), testGeneration(), containerDeploy())
	if err != nil {
		panic(err)
	}
	return r
}

func mavenMaintenance() Definition {
	return Definition{
		Type: MavenMaintenance,
		Steps: []StepDefinition{
			{Code: "scan_project", Name: "Scan project layout", Position: 1, Handler: scanProject},
			{Code: "analyze_dependencies", Name: "Analyze dependency updates", Position: 2, Handler: analyzeDependencies},
			{Code: "apply_updates", Name: "Apply dependency updates", Position: 3, Mutating: true, Confirm: true, Handler: applyUpdates},
			{Code: "run_tests", Name: "Run unit tests", Position: 4, Handler: runTests},
			{Code: "integration_tests", Name: "Run integration tests", Position: 5, Handler: integrationTests},
			{Code: "finalize_report", Name: "Write maintenance report", Position: 6, Handler: finalizeReport},
		},
		RollbackStep: &StepDefinition{
			Code: "restore_project", Name: "Restore project to pre-run state", Position: 99, Mutating: true, Handler: restoreProject,
		},
	}
}

func testGeneration() Definition {
	return Definition{
		Type: TestGeneration,
		Steps: []StepDefinition{
			{Code: "scan_project", Name: "Scan project layout", Position: 1, Handler: scanProject},
			{Code: "detect_gaps", Name: "Detect coverage gaps", Position: 2, Handler: detectGaps},
			{Code: "generate_tests", Name: "Generate test sources", Position: 3, Mutating: true, Confirm: true, Handler: generateTests},
			{Code: "verify_tests", Name: "Compile and run generated tests", Position: 4, Handler: runTests},
			{Code: "finalize_report", Name: "Write generation report", Position: 5, Handler: finalizeReport},
		},
		RollbackStep: &StepDefinition{
			Code: "discard_generated", Name: "Discard generated sources", Position: 99, Mutating: true, Handler: restoreProject,
		},
	}
}

func containerDeploy() Definition {
	return Definition{
		Type: ContainerDeploy,
		Steps: []StepDefinition{
			{Code: "scan_project", Name: "Scan project layout", Position: 1, Handler: scanProject},
			{Code: "synthesize_dockerfile", Name: "Synthesize Dockerfile", Position: 2, Mutating: true, Handler: synthesizeDockerfile},
			{Code: "build_image", Name: "Build container image", Position: 3, Mutating: true, Confirm: true, Handler: buildImage},
			{Code: "deploy_container", Name: "Deploy container", Position: 4, Mutating: true, Confirm: true, Handler: deployContainer},
			{Code: "smoke_check", Name: "Smoke-check deployment", Position: 5, Handler: runTests},
		},
		RollbackStep: &StepDefinition{
			Code: "remove_container", Name: "Remove deployed container", Position: 99, Mutating: true, Handler: restoreProject,
		},
	}
}

// --- built-in handlers ---

func scanProject(ctx context.Context, st *State) Outcome {
	st.Values["project_path"] = st.ProjectPath
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"project_path": st.ProjectPath},
		Message: fmt.Sprintf("scanned project at %s", st.ProjectPath),
	}
}

func analyzeDependencies(ctx context.Context, st *State) Outcome {
	updates := st.StringSlice("updates")
	st.Values["updates"] = updates
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"update_count": len(updates), "updates": updates},
		Message: fmt.Sprintf("found %d candidate updates", len(updates)),
	}
}

func applyUpdates(ctx context.Context, st *State) Outcome {
	updates := st.StringSlice("updates")
	if len(updates) == 0 {
		return Outcome{Kind: Skip, Message: "no updates found"}
	}
	st.Values["applied"] = updates
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"applied": updates},
		Message: fmt.Sprintf("applied %d updates", len(updates)),
	}
}

func runTests(ctx context.Context, st *State) Outcome {
	return Outcome{Kind: Advance, Output: map[string]any{"passed": true}, Message: "tests passed"}
}

func integrationTests(ctx context.Context, st *State) Outcome {
	if len(st.StringSlice("updates")) == 0 {
		return Outcome{Kind: Skip, Message: "skip integration tests: no dependencies changed"}
	}
	return Outcome{Kind: Advance, Output: map[string]any{"passed": true}, Message: "integration tests passed"}
}

func finalizeReport(ctx context.Context, st *State) Outcome {
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"report": "maintenance summary"},
		Message: "report written",
		Artifacts: []ArtifactSpec{{
			Name: "report.md",
			Kind: "report",
			Meta: map[string]any{"project_path": st.ProjectPath},
		}},
	}
}

func detectGaps(ctx context.Context, st *State) Outcome {
	gaps := st.StringSlice("coverage_gaps")
	st.Values["coverage_gaps"] = gaps
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"gap_count": len(gaps)},
		Message: fmt.Sprintf("found %d coverage gaps", len(gaps)),
	}
}

func generateTests(ctx context.Context, st *State) Outcome {
	gaps := st.StringSlice("coverage_gaps")
	if len(gaps) == 0 {
		return Outcome{Kind: Skip, Message: "no coverage gaps to fill"}
	}
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"generated_for": gaps},
		Message: fmt.Sprintf("generated tests for %d classes", len(gaps)),
	}
}

func synthesizeDockerfile(ctx context.Context, st *State) Outcome {
	return Outcome{
		Kind:    Advance,
		Output:  map[string]any{"dockerfile": "Dockerfile"},
		Message: "Dockerfile synthesized",
		Artifacts: []ArtifactSpec{{
			Name: "Dockerfile",
			Kind: "dockerfile",
		}},
	}
}

func buildImage(ctx context.Context, st *State) Outcome {
	return Outcome{Kind: Advance, Output: map[string]any{"image": "app:latest"}, Message: "image built"}
}

func deployContainer(ctx context.Context, st *State) Outcome {
	return Outcome{Kind: Advance, Output: map[string]any{"deployed": true}, Message: "container deployed"}
}

func restoreProject(ctx context.Context, st *State) Outcome {
	return Outcome{Kind: Advance, Message: "prior side effects undone"}
}
