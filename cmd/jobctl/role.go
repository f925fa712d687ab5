package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

var roleCmd = &cobra.Command{
	Use:   "role",
	Short: "Inspect the role instruction files jobctl assembles prompts from",
}

func init() {
	rootCmd.AddCommand(roleCmd)
}

var roleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the role files present in the jobs directory",
	RunE:  runRoleList,
}

func init() {
	roleCmd.AddCommand(roleListCmd)
}

func runRoleList(cmd *cobra.Command, args []string) error {
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	entries, err := os.ReadDir(jobsDir)
	if err != nil {
		return err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".md"))
	}
	sort.Strings(names)

	w := cmd.OutOrStdout()
	fmt.Fprintln(w, "jobctl role list")
	if len(names) == 0 {
		fmt.Fprintln(w, "no role files found; run `jobctl init`")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}

var roleInspectCmd = &cobra.Command{
	Use:   "inspect <name>",
	Short: "Print a role file's full instructions",
	Args:  cobra.ExactArgs(1),
	RunE:  runRoleInspect,
}

func init() {
	roleCmd.AddCommand(roleInspectCmd)
}

func runRoleInspect(cmd *cobra.Command, args []string) error {
	name := args[0]
	jobsDir, err := resolveJobsDir()
	if err != nil {
		return err
	}
	path := filepath.Join(jobsDir, name+".md")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return userErr("no role file named %s in %s", name, jobsDir)
		}
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "jobctl role inspect %s\n", name)
	fmt.Fprint(w, string(data))
	return nil
}
