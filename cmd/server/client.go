package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphummel/lab_boot/internal/apiclient"
	"github.com/tphummel/lab_boot/internal/models"
)

const defaultEndpoint = "http://localhost:8080"

type clientFlags struct {
	endpoint string
	output   string
}

func (f *clientFlags) client() *apiclient.Client {
	endpoint := f.endpoint
	if endpoint == "" {
		endpoint = os.Getenv("LAB_BOOT_ENDPOINT")
	}
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return apiclient.NewClient(endpoint, os.Getenv("API_TOKEN"))
}

func (f *clientFlags) print(w io.Writer, v any) error {
	switch f.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// reuse the json field names
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(b, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(doc)
	default:
		return errors.Errorf("unknown output format %q", f.output)
	}
}

func parseRoles(args []string) ([]models.Role, error) {
	roles := make([]models.Role, 0, len(args))
	for _, a := range args {
		r, err := models.ParseRole(a)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, nil
}

func newClientCmds(f *clientFlags) []*cobra.Command {
	var (
		mac     string
		roles   []string
		minutes int
	)

	schedule := &cobra.Command{
		Use:   "schedule",
		Short: "Assign roles to the machine booting from --mac (needs API_TOKEN)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rs, err := parseRoles(roles)
			if err != nil {
				return err
			}
			if err := f.client().Schedule(cmd.Context(), mac, rs...); err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), models.ScheduleRequest{Selector: models.Selector{MAC: mac}, Roles: rs})
		},
	}
	schedule.Flags().StringVar(&mac, "mac", "", "boot MAC of the machine")
	schedule.Flags().StringSliceVar(&roles, "role", nil, "role to assign, repeatable")
	schedule.MarkFlagRequired("mac")
	schedule.MarkFlagRequired("role")

	schedules := &cobra.Command{
		Use:   "schedules",
		Short: "List the roles of every scheduled machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := f.client().Schedules(cmd.Context())
			if err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), out)
		},
	}

	machines := &cobra.Command{
		Use:   "machines ROLE [ROLE...]",
		Short: "List machines holding a role, or exactly the given roles",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rs, err := parseRoles(args)
			if err != nil {
				return err
			}
			out, err := f.client().MachinesByRoles(cmd.Context(), rs...)
			if err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), out)
		},
	}

	available := &cobra.Command{
		Use:   "available",
		Short: "List machines without a role",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := f.client().Available(cmd.Context())
			if err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), out)
		},
	}

	ipList := &cobra.Command{
		Use:   "ip-list ROLE",
		Short: "List the boot addresses of the machines holding ROLE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := models.ParseRole(args[0])
			if err != nil {
				return err
			}
			out, err := f.client().IPList(cmd.Context(), role)
			if err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), out)
		},
	}

	states := &cobra.Command{
		Use:   "states",
		Short: "List recent lifecycle states, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out, err := f.client().States(cmd.Context(), minutes)
			if err != nil {
				return err
			}
			return f.print(cmd.OutOrStdout(), out)
		},
	}
	states.Flags().IntVar(&minutes, "minutes", 60, "trailing window in minutes")

	return []*cobra.Command{schedule, schedules, machines, available, ipList, states}
}
