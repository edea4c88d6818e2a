package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/gophervoice/internal/control"
	"github.com/user/gophervoice/internal/render"
)

var (
	vadThreshold   float64
	vadMinSpeech   float64
	vadMinSilence  float64
	rpcPayloadFlag string
)

func init() {
	vadSetCmd.Flags().Float64Var(&vadThreshold, "threshold", 0, "activation threshold (0.0-1.0)")
	vadSetCmd.Flags().Float64Var(&vadMinSpeech, "min-speech", 0, "minimum speech duration in seconds")
	vadSetCmd.Flags().Float64Var(&vadMinSilence, "min-silence", 0, "minimum silence duration in seconds")
	rpcCmd.Flags().StringVar(&rpcPayloadFlag, "payload", "", "JSON payload")

	rootCmd.AddCommand(modelsCmd, interruptCmd, toolsCmd, stateCmd, wakewordCmd, vadCmd, promptCmd, rpcCmd)
	modelsCmd.AddCommand(modelsListCmd, modelsSwitchCmd)
	vadCmd.AddCommand(vadSetCmd)
	promptCmd.AddCommand(promptGetCmd, promptSetCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List or switch the agent's LLM model",
}

var modelsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List available models",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.ListModels(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodListModels, res.Envelope); err != nil {
				return err
			}
			if len(res.Models) == 0 {
				fmt.Println("No models available.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "\tNAME\tSIZE\tMODIFIED")
			for _, m := range res.Models {
				marker := ""
				if m.Name == res.CurrentModel {
					marker = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", marker, m.Name, humanBytes(m.Size), m.ModifiedAt)
			}
			return w.Flush()
		})
	},
}

var modelsSwitchCmd = &cobra.Command{
	Use:   "switch <model>",
	Short: "Switch the agent to another model",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.SwitchModel(ctx, args[0])
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodSwitchModel, res.Envelope); err != nil {
				return err
			}
			fmt.Printf("Switched model: %s -> %s\n", res.OldModel, res.NewModel)
			return nil
		})
	},
}

var interruptCmd = &cobra.Command{
	Use:   "interrupt",
	Short: "Interrupt the agent's current response",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.Interrupt(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodInterrupt, res.Envelope); err != nil {
				return err
			}
			fmt.Println(orDefault(res.Message, "Interrupted."))
			return nil
		})
	},
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to the agent",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.ListTools(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodListTools, res.Envelope); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSERVER\tDESCRIPTION")
			for _, t := range res.Tools {
				fmt.Fprintf(w, "%s\t%s\t%s\n", t.Name, orDefault(t.Server, "-"), render.Preview(t.Description, 60))
			}
			return w.Flush()
		})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the agent's configuration state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.GetAgentState(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodGetAgentState, res.Envelope); err != nil {
				return err
			}
			fmt.Println(render.Title("Agent " + s.conn.AgentIdentity()))
			fmt.Printf("LLM model:     %s\n", res.LLMModel)
			fmt.Printf("STT model:     %s\n", res.STTModel)
			fmt.Printf("TTS provider:  %s\n", res.TTSProvider)
			fmt.Printf("MCP servers:   %d\n", res.MCPServersCount)
			if res.WakeWordEnabled {
				fmt.Printf("Wake word:     %s (%s)\n", res.WakeWordState, res.WakeWordModel)
			} else {
				fmt.Println("Wake word:     disabled")
			}
			if v := res.VADSettings; v != nil {
				fmt.Printf("VAD:           %s\n", formatVAD(*v))
			}
			return nil
		})
	},
}

var wakewordCmd = &cobra.Command{
	Use:   "wakeword",
	Short: "Show the wake word detector state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.GetWakeWordState(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodGetWakeWordState, res.Envelope); err != nil {
				return err
			}
			if !res.Enabled {
				fmt.Println("Wake word detection is disabled.")
				return nil
			}
			fmt.Printf("State: %s\nModel: %s\n", res.State, res.Model)
			return nil
		})
	},
}

var vadCmd = &cobra.Command{
	Use:   "vad",
	Short: "Voice activity detection settings",
}

var vadSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update VAD settings (only the flags given are changed)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var settings control.VADSettings
		if cmd.Flags().Changed("threshold") {
			settings.ActivationThreshold = &vadThreshold
		}
		if cmd.Flags().Changed("min-speech") {
			settings.MinSpeechDuration = &vadMinSpeech
		}
		if cmd.Flags().Changed("min-silence") {
			settings.MinSilenceDuration = &vadMinSilence
		}
		if err := settings.Validate(); err != nil {
			return err
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.SetVADSettings(ctx, settings)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodSetVADSettings, res.Envelope); err != nil {
				return err
			}
			fmt.Println("VAD settings:", formatVAD(res.Settings))
			return nil
		})
	},
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Show or replace the agent's system prompt",
}

var promptGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the system prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.GetSystemPrompt(ctx)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodGetSystemPrompt, res.Envelope); err != nil {
				return err
			}
			fmt.Println(res.SystemPrompt)
			return nil
		})
	},
}

var promptSetCmd = &cobra.Command{
	Use:   "set <text>|-",
	Short: "Replace the system prompt (\"-\" reads it from stdin)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")
		if text == "-" {
			data, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			text = strings.TrimSpace(string(data))
		}
		if text == "" {
			return fmt.Errorf("system prompt is empty")
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			res, err := s.agent.SetSystemPrompt(ctx, text)
			if err != nil {
				return err
			}
			if err := checkEnvelope(control.MethodSetSystemPrompt, res.Envelope); err != nil {
				return err
			}
			fmt.Println("System prompt updated.")
			return nil
		})
	},
}

var rpcCmd = &cobra.Command{
	Use:       "rpc <method>",
	Short:     "Call an agent RPC method and print the raw response",
	Args:      cobra.ExactArgs(1),
	ValidArgs: control.Catalog,
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload any
		if rpcPayloadFlag != "" {
			if !json.Valid([]byte(rpcPayloadFlag)) {
				return fmt.Errorf("--payload is not valid JSON")
			}
			payload = json.RawMessage(rpcPayloadFlag)
		}
		return withAgent(cmd, func(ctx context.Context, s *agentSession) error {
			resp, err := s.agent.Call(ctx, args[0], payload)
			if err != nil {
				return err
			}
			var pretty any
			if json.Unmarshal(resp, &pretty) == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Println(string(out))
				return nil
			}
			fmt.Println(string(resp))
			return nil
		})
	},
}

func formatVAD(v control.VADSettings) string {
	var parts []string
	if v.ActivationThreshold != nil {
		parts = append(parts, fmt.Sprintf("threshold=%.2f", *v.ActivationThreshold))
	}
	if v.MinSpeechDuration != nil {
		parts = append(parts, fmt.Sprintf("min_speech=%.2fs", *v.MinSpeechDuration))
	}
	if v.MinSilenceDuration != nil {
		parts = append(parts, fmt.Sprintf("min_silence=%.2fs", *v.MinSilenceDuration))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
