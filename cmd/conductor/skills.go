package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/neboloop/conductor/internal/logging"
	"github.com/neboloop/conductor/internal/skills"
)

// SkillsCmd creates the skills management command.
func SkillsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skills",
		Short: "Inspect the skill library",
		Long: `Skills are SKILL.md files compiled from successful browser runs or
recorded scenarios. They use YAML frontmatter for metadata and a markdown
body, optionally embedding an executable RPA scenario.

Skills live in the conductor data directory's skills/ folder, one
subdirectory per skill.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all skills in the library",
		Run: func(cmd *cobra.Command, args []string) {
			listSkills()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show [name]",
		Short: "Show one skill's document",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			showSkill(args[0])
		},
	})

	return cmd
}

func openLibrary() *skills.Library {
	logging.Disable()
	c, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	lib := skills.NewLibrary(c.SkillsDir())
	if err := lib.LoadAll(); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading skills: %v\n", err)
		os.Exit(1)
	}
	return lib
}

func listSkills() {
	lib := openLibrary()
	loaded := lib.List()
	if len(loaded) == 0 {
		fmt.Println("No skills in the library.")
		fmt.Println("Finish a browser run and compile it, or record a scenario with save-as-skill.")
		return
	}

	fmt.Printf("%d skill(s):\n", len(loaded))
	for _, s := range loaded {
		line := fmt.Sprintf("  %s — %s", s.Name, s.Description)
		if len(s.Tags) > 0 {
			line += fmt.Sprintf("  [%s]", strings.Join(s.Tags, ", "))
		}
		fmt.Println(line)
	}
}

func showSkill(name string) {
	lib := openLibrary()
	s, ok := lib.Get(name)
	if !ok {
		fmt.Fprintf(os.Stderr, "No skill named %q\n", name)
		os.Exit(1)
	}

	fmt.Printf("Name:        %s\n", s.Name)
	fmt.Printf("Description: %s\n", s.Description)
	if len(s.Tags) > 0 {
		fmt.Printf("Tags:        %s\n", strings.Join(s.Tags, ", "))
	}
	if s.Source != "" {
		fmt.Printf("Source:      %s\n", s.Source)
	}
	fmt.Printf("File:        %s\n", s.FilePath)
	fmt.Println()
	fmt.Println(s.Body)
}
