package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/render"
)

var (
	mcpAdd      control.AddMCPServerRequest
	mcpHeaders  []string
	mcpEnv      []string
	mcpDisabled bool
)

func init() {
	f := mcpAddCmd.Flags()
	f.StringVar(&mcpAdd.Type, "type", "http", "server type: http or stdio")
	f.StringVar(&mcpAdd.URL, "url", "", "server URL (http)")
	f.StringArrayVar(&mcpHeaders, "header", nil, "request header KEY=VALUE (http, repeatable)")
	f.StringVar(&mcpAdd.Command, "command", "", "command to run (stdio)")
	f.StringArrayVar(&mcpAdd.Args, "arg", nil, "command argument (stdio, repeatable)")
	f.StringArrayVar(&mcpEnv, "env", nil, "environment variable KEY=VALUE (stdio, repeatable)")
	f.StringVar(&mcpAdd.Cwd, "cwd", "", "working directory (stdio)")
	f.BoolVar(&mcpDisabled, "disabled", false, "add the server without connecting it")

	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd, mcpAddCmd, mcpRemoveCmd, mcpToggleCmd, mcpToolsCmd, mcpToolToggleCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage the agent's MCP servers",
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List MCP servers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.ListMCPServers(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodListMCPServers, res.Envelope); err != nil {
				return err
			}
			if len(res.Servers) == 0 {
				fmt.Println("No MCP servers configured.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tSTATUS\tTOOLS\tTARGET\tERROR")
			for _, srv := range res.Servers {
				target := srv.URL
				if srv.Type == "stdio" {
					target = strings.TrimSpace(srv.Command + " " + strings.Join(srv.Args, " "))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					srv.Name,
					orDefault(srv.Type, "http"),
					srv.Status,
					srv.ToolCount,
					render.Preview(target, 50),
					render.Preview(srv.Error, 40),
				)
			}
			return w.Flush()
		})
	},
}

var mcpAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Add an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := mcpAdd
		req.Name = args[0]
		var err error
		if req.Headers, err = parsePairs(mcpHeaders); err != nil {
			return fmt.Errorf("--header: %w", err)
		}
		if req.Env, err = parsePairs(mcpEnv); err != nil {
			return fmt.Errorf("--env: %w", err)
		}
		if mcpDisabled {
			enabled := false
			req.Enabled = &enabled
		}
		if err := req.Validate(); err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.AddMCPServer(ctx, req)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodAddMCPServer, res.Envelope); err != nil {
				return err
			}
			fmt.Println(orDefault(res.Message, "Added MCP server "+req.Name+"."))
			return nil
		})
	},
}

var mcpRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.RemoveMCPServer(ctx, args[0])
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodRemoveMCPServer, res.Envelope); err != nil {
				return err
			}
			fmt.Println(orDefault(res.Message, "Removed MCP server "+args[0]+"."))
			return nil
		})
	},
}

var mcpToggleCmd = &cobra.Command{
	Use:   "toggle <name> [on|off]",
	Short: "Enable or disable an MCP server (flips it when no state is given)",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var enabled *bool
		if len(args) == 2 {
			v, err := parseOnOff(args[1])
			if err != nil {
				return err
			}
			enabled = &v
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.ToggleMCPServer(ctx, args[0], enabled)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodToggleMCPServer, res.Envelope); err != nil {
				return err
			}
			fmt.Println(orDefault(res.Message, "Toggled MCP server "+args[0]+"."))
			return nil
		})
	},
}

var mcpToolsCmd = &cobra.Command{
	Use:   "tools <server>",
	Short: "List the tools of an MCP server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.ListMCPTools(ctx, args[0])
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodListMCPTools, res.Envelope); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TOOL\tENABLED\tDESCRIPTION")
			for _, t := range res.Tools {
				fmt.Fprintf(w, "%s\t%t\t%s\n", t.Name, t.Enabled, render.Preview(t.Description, 60))
			}
			return w.Flush()
		})
	},
}

var mcpToolToggleCmd = &cobra.Command{
	Use:   "tool-toggle <server> <tool> <on|off>",
	Short: "Allow or block one tool of an MCP server",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		enabled, err := parseOnOff(args[2])
		if err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.mcp.ToggleMCPTool(ctx, args[0], args[1], enabled)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodToggleMCPTool, res.Envelope); err != nil {
				return err
			}
			fmt.Println(orDefault(res.Message, fmt.Sprintf("%s/%s enabled=%t", args[0], args[1], enabled)))
			return nil
		})
	},
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func parseOnOff(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("expected on or off, got %q", s)
	}
	return v, nil
}
