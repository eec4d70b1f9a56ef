package main

import (
	"context"
	"strings"
	"time"

	"github.com/serbia-gov/followup/internal/followup/domain"
	"github.com/serbia-gov/followup/internal/followup/service"
	"github.com/serbia-gov/followup/internal/shared/types"
	"github.com/spf13/cobra"
)

func alertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Submit call metrics and manage alerts",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			severity, _ := cmd.Flags().GetString("severity")
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			filter := domain.AlertFilter{Limit: limit, Offset: offset, OrderBy: "created_at", OrderDesc: true}
			if status != "" {
				s := domain.AlertStatus(status)
				filter.Status = &s
			}
			if severity != "" {
				s := domain.Severity(severity)
				filter.Severity = &s
			}

			return withScoring(cmd, func(e *service.ScoringEngine) error {
				alerts, total, err := e.ListAlerts(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{"data": alerts, "total": total})
			})
		},
	}
	listCmd.Flags().String("status", string(domain.AlertStatusActive), "active, resolved or ignored; empty for all")
	listCmd.Flags().String("severity", "", "high, medium or low")
	listCmd.Flags().Int("limit", domain.DefaultLimit, "Page size")
	listCmd.Flags().Int("offset", 0, "Page offset")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(closeAlertCmd("resolve", "Mark an active alert resolved", (*service.ScoringEngine).ResolveAlert))
	cmd.AddCommand(closeAlertCmd("ignore", "Dismiss an active alert", (*service.ScoringEngine).IgnoreAlert))

	submitCmd := &cobra.Command{
		Use:   "submit <patient-id>",
		Short: "Score call metrics for a patient, raising an alert when at risk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, err := types.ParseID(args[0])
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			var m domain.Metrics
			m.PainLevel, _ = flags.GetInt("pain")
			m.Mood, _ = flags.GetInt("mood")
			m.TreatmentAdherent, _ = flags.GetBool("adherent")
			m.BowelNormal, _ = flags.GetBool("bowel-normal")
			m.Fever, _ = flags.GetBool("fever")
			keywords, _ := flags.GetString("keywords")
			if keywords != "" {
				m.UrgentKeywords = strings.Split(keywords, ",")
			}
			if date, _ := flags.GetString("date"); date != "" {
				d, err := time.Parse(time.DateOnly, date)
				if err != nil {
					return err
				}
				m.EvaluationDate = d
			}
			if callID, _ := flags.GetString("call"); callID != "" {
				id, err := types.ParseID(callID)
				if err != nil {
					return err
				}
				m.CallID = &id
			}

			return withScoring(cmd, func(e *service.ScoringEngine) error {
				result, err := e.SubmitMetrics(cmd.Context(), patientID, m)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), result)
			})
		},
	}
	submitCmd.Flags().Int("pain", 0, "Pain level 0-10")
	submitCmd.Flags().Int("mood", 10, "Mood 0-10")
	submitCmd.Flags().Bool("adherent", true, "Patient follows the prescribed treatment")
	submitCmd.Flags().Bool("bowel-normal", true, "Bowel function is normal")
	submitCmd.Flags().Bool("fever", false, "Patient reports fever")
	submitCmd.Flags().String("keywords", "", "Comma-separated urgent keywords")
	submitCmd.Flags().String("date", "", "Evaluation date (YYYY-MM-DD); defaults to today")
	submitCmd.Flags().String("call", "", "Call the metrics come from")
	cmd.AddCommand(submitCmd)

	return cmd
}

type closeFunc func(*service.ScoringEngine, context.Context, types.ID, string) (*domain.Alert, error)

func closeAlertCmd(use, short string, fn closeFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := types.ParseID(args[0])
			if err != nil {
				return err
			}
			actor, _ := cmd.Flags().GetString("actor")

			return withScoring(cmd, func(e *service.ScoringEngine) error {
				alert, err := fn(e, cmd.Context(), id, actor)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), alert)
			})
		},
	}
	cmd.Flags().String("actor", "", "Clinician closing the alert")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func withScoring(cmd *cobra.Command, fn func(*service.ScoringEngine) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.openStore(cmd.Context()); err != nil {
		return err
	}
	a.openPublisher(cmd.Context())

	return fn(service.NewScoringEngine(a.store, a.emitter, a.log))
}
