package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/agentloop/config"
	"github.com/vinayprograms/agentloop/memory"
	"github.com/vinayprograms/agentloop/orchestrator"
	"github.com/vinayprograms/agentloop/producers"
	"github.com/vinayprograms/agentloop/state"
	"github.com/vinayprograms/agentloop/store"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	Long: `Parses and validates the configuration file, then checks that every active
subscription resolves to an active tool whose capability this binary provides.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := checkSubscriptions(background(cmd.Context()), cfg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d agents, %d tools, %d subscriptions, %s store)\n",
			configPath, len(cfg.Agents), len(cfg.Tools), len(cfg.Subscriptions), cfg.Store.Backend)
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Write configured agents, tools and subscriptions to the store",
	Long: `Upserts the agents, tools and subscriptions declared in the configuration
file. Seeding is repeatable: tools are matched by name and subscriptions by
tool and event type.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := cfg.OpenStore()
		if err != nil {
			return err
		}
		defer st.Close()

		res, err := cfg.Seed(background(cmd.Context()), st)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "seeded %d agents, %d tools, %d subscriptions\n",
			res.Agents, res.Tools, res.Subscriptions)
		return nil
	},
}

var (
	mentionAuthor string
	mentionRef    string
)

var mentionCmd = &cobra.Command{
	Use:   "mention [content]",
	Short: "Append NEW_MENTION events for @handles in content",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := cfg.OpenStore()
		if err != nil {
			return err
		}
		defer st.Close()

		events, err := producers.NewMentionDetector(st, logger).Detect(background(cmd.Context()), args[0], mentionAuthor, mentionRef)
		if err != nil {
			return err
		}
		for _, ev := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s -> %s\n", ev.ID, ev.EventType, ev.AgentID)
		}
		return nil
	},
}

var feedsCmd = &cobra.Command{
	Use:   "check-feeds",
	Short: "Append one RSS_FEED_CHECK event per agent feed and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := cfg.OpenStore()
		if err != nil {
			return err
		}
		defer st.Close()

		checker, err := producers.NewFeedChecker(producers.FeedCheckerConfig{Store: st, Logger: logger})
		if err != nil {
			return err
		}
		n, err := checker.CheckNow(background(cmd.Context()))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "appended %d feed checks\n", n)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "agentloop %s\n", version)
	},
}

func init() {
	mentionCmd.Flags().StringVar(&mentionAuthor, "author", "", "agent id of the author; never notified")
	mentionCmd.Flags().StringVar(&mentionRef, "ref", "", "reference to the content, stored in the payload")
}

// checkSubscriptions seeds cfg into a scratch in-memory store and resolves
// every active subscription against the registered capabilities.
func checkSubscriptions(ctx context.Context, cfg *config.Config) error {
	st := store.NewKVStore(state.NewMemoryStore())
	defer st.Close()
	if _, err := cfg.Seed(ctx, st); err != nil {
		return err
	}

	content, err := memory.NewInMemory()
	if err != nil {
		return err
	}
	defer content.Close()

	registry, err := newRegistry(content)
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(orchestrator.Config{Store: st, Registry: registry, Logger: logger})
	if err != nil {
		return err
	}
	if err := orch.ValidateSubscriptions(ctx); err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}
	return nil
}

// background returns ctx, or a background context when cobra ran without one.
func background(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
