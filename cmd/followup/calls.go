package main

import (
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/service"
	"github.com/serbia-gov/followup/internal/shared/types"
	"github.com/spf13/cobra"
)

func callsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calls",
		Short: "Inspect and advance follow-up calls",
	}

	dueCmd := &cobra.Command{
		Use:   "due",
		Short: "List pending calls whose scheduled time has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withLifecycle(cmd, func(m *service.LifecycleManager) error {
				calls, err := m.ListDueCalls(cmd.Context(), time.Now(), limit)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), calls)
			})
		},
	}
	dueCmd.Flags().Int("limit", domain.DefaultLimit, "Maximum calls to list")
	cmd.AddCommand(dueCmd)

	historyCmd := &cobra.Command{
		Use:   "history <call-id>",
		Short: "Show the transition history of a call",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseID(args[0])
			if err != nil {
				return err
			}
			return withLifecycle(cmd, func(m *service.LifecycleManager) error {
				entries, err := m.History(cmd.Context(), id)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.AddCommand(historyCmd)

	attemptCmd := &cobra.Command{
		Use:   "attempt <call-id>",
		Short: "Record an attempt outcome reported by the telephony side",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseID(args[0])
			if err != nil {
				return err
			}
			outcome, _ := cmd.Flags().GetString("outcome")
			duration, _ := cmd.Flags().GetInt("duration")
			summary, _ := cmd.Flags().GetString("summary")
			actor, _ := cmd.Flags().GetString("actor")
			maxAttempts, _ := cmd.Flags().GetInt("max-attempts")

			report := domain.AttemptReport{
				Outcome:         domain.Outcome(outcome),
				DurationSeconds: duration,
				Summary:         summary,
				Actor:           actor,
			}
			if report.Outcome == domain.OutcomeConnected {
				now := time.Now().UTC()
				report.ContactedAt = &now
			}

			return withLifecycle(cmd, func(m *service.LifecycleManager) error {
				call, err := m.RecordAttempt(cmd.Context(), id, report, maxAttempts)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), call)
			})
		},
	}
	attemptCmd.Flags().String("outcome", "", "started, connected or no_contact")
	attemptCmd.Flags().Int("duration", 0, "Call duration in seconds (connected only)")
	attemptCmd.Flags().String("summary", "", "Conversation summary (connected only)")
	attemptCmd.Flags().String("actor", "cli", "Who reports the attempt")
	attemptCmd.Flags().Int("max-attempts", 0, "Attempt ceiling; 0 uses the configured value")
	_ = attemptCmd.MarkFlagRequired("outcome")
	cmd.AddCommand(attemptCmd)

	return cmd
}

func withLifecycle(cmd *cobra.Command, fn func(*service.LifecycleManager) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.openStore(cmd.Context()); err != nil {
		return err
	}
	a.openPublisher(cmd.Context())

	return fn(service.NewLifecycleManager(a.store, a.callPolicy(), a.emitter, a.log))
}
