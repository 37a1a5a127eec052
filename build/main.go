package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cli/go-gh/v2/pkg/api"
	"github.com/curioswitch/go-build"
	"github.com/google/go-github/github"
	"github.com/goyek/goyek/v2"
	"github.com/goyek/x/boot"
	"github.com/goyek/x/cmd"
)

const verBenchstat = "latest"

func main() {
	build.RegisterTestTask(goyek.Define(goyek.Task{
		Name:  "test-go",
		Usage: "Runs Go tests and the end-to-end smoke binary.",
		Action: func(a *goyek.A) {
			race := "-race"
			if os.Getenv("TEST_NORACE") != "" {
				race = ""
			}
			cmd.Exec(a, fmt.Sprintf("go test -v -timeout=20m %s ./...", race))
			cmd.Exec(a, "go run .", cmd.Dir(filepath.Join("internal", "e2e")))
		},
	}))

	goyek.Define(goyek.Task{
		Name:  "update",
		Usage: "Checks for a new wazero release and upgrades to it if so.",
		Action: func(a *goyek.A) {
			gomod, err := os.ReadFile("go.mod")
			if err != nil {
				a.Fatal(err)
			}
			m := regexp.MustCompile(`github.com/tetratelabs/wazero (v\S+)`).FindSubmatch(gomod)
			if m == nil {
				a.Fatal("wazero not found in go.mod")
			}
			curr := string(m[1])

			gh, err := api.DefaultRESTClient()
			if err != nil {
				a.Fatal(err)
			}

			var release *github.RepositoryRelease
			if err := gh.Get(fmt.Sprintf("repos/%s/releases/latest", "tetratelabs/wazero"), &release); err != nil {
				a.Fatal(err)
			}
			latest := release.GetTagName()

			if latest == curr {
				fmt.Println("up to date")
				return
			}

			fmt.Println("updating to", latest)
			cmd.Exec(a, "go get github.com/tetratelabs/wazero@"+latest)
			cmd.Exec(a, "go mod tidy")
		},
	})

	defineBenchTasks("bench", "./...")

	build.DefineTasks(
		build.ExcludeTasks("test-go"),
	)

	boot.Main()
}

func benchArgs(pkg string, count int) string {
	args := []string{"test", "-bench=.", "-run=^$", "-v", "-timeout=60m"}
	if count > 0 {
		args = append(args, fmt.Sprintf("-count=%d", count))
	}
	args = append(args, pkg)

	return strings.Join(args, " ")
}

func defineBenchTasks(name string, pkg string) {
	goyek.Define(goyek.Task{
		Name:  name,
		Usage: "Runs heap, formatter and engine benchmarks.",
		Action: func(a *goyek.A) {
			cmd.Exec(a, "go "+benchArgs(pkg, 1))
		},
	})

	goyek.Define(goyek.Task{
		Name:  name + "-all",
		Usage: "Runs benchmarks several times and summarizes them with benchstat.",
		Action: func(a *goyek.A) {
			if err := os.MkdirAll("out", 0o750); err != nil {
				a.Errorf("create out directory: %v", err)
			}

			var stdout bytes.Buffer
			cmd.Exec(a, "go "+benchArgs(pkg, 5), cmd.Stdout(&stdout))
			if err := os.WriteFile(filepath.Join("out", name+".txt"), stdout.Bytes(), 0o600); err != nil {
				a.Errorf("write %s.txt: %v", name, err)
			}

			cmd.Exec(a, fmt.Sprintf("go run golang.org/x/perf/cmd/benchstat@%s %s", verBenchstat,
				filepath.Join("out", name+".txt")))
		},
	})
}
