package main

import (
	"github.com/spf13/cobra"
)

func newRsvpCmd() *cobra.Command {
	var (
		flagResource string
		flagItem     string
		flagField    string
		flagValue    string
		flagActor    string
	)

	cmd := &cobra.Command{
		Use:   "rsvp",
		Short: "Propagate a local field change back to the vendor",
		Long: `Push a locally-made change (typically an RSVP) back to the external
system as the acting actor. If the actor has not authorized yet, the change
is queued and replayed automatically after "mirrord authorize".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.eng.Writebacks.Propagate(cmd.Context(),
				flagResource, flagItem, flagField, flagValue, flagActor)
		},
	}

	cmd.Flags().StringVar(&flagResource, "resource", "", "resource the item belongs to")
	cmd.Flags().StringVar(&flagItem, "item", "", "item external key")
	cmd.Flags().StringVar(&flagField, "field", "response", "field to change")
	cmd.Flags().StringVar(&flagValue, "value", "", "desired value")
	cmd.Flags().StringVar(&flagActor, "actor", "", "acting actor id (email)")

	for _, name := range []string{"resource", "item", "value", "actor"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newAuthorizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "authorize <actor>",
		Short: "Mark an actor authorized and replay their queued write-backs",
		Long: `Run after placing the actor's token file in the token directory.
Drains the actor's pending write-back queue in submission order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.eng.Writebacks.OnAuthorized(cmd.Context(), args[0])
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <resource>",
		Short: "Disable a resource: tear down its subscription and sync state",
		Long: `Stops the resource's push channel (best-effort), cancels its pending
renewal, and clears sync state and lock. An in-flight batch is not
interrupted; its next continuation notices the cleared state and stops.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			defer a.close()

			return a.eng.Disable(cmd.Context(), args[0])
		},
	}
}
