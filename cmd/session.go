package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/inference-sim/inference-gpt/internal/runtime"
	"github.com/inference-sim/inference-gpt/internal/service"
	"github.com/inference-sim/inference-gpt/internal/session"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Session lifecycle operations (local, sequential debug client)",
}

var (
	sessConfPath string
	sessModelID  string
	sessID       uint32
	sessPrompt   string
	sessCtxSize  int
	sessBatch    int
	sessSeed     uint64
	sessSnapDir  string
	sessNEval    int
	sessTemp     float64
	sessTopK     int
	sessTopP     float64
)

var sessionCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a session bound to a loaded model",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		res, err := svc.GptCreate(cmd.Context(), service.GptCreateOptions{
			ModelID:       sessModelID,
			ContextSize:   sessCtxSize,
			BatchSize:     sessBatch,
			Seed:          sessSeed,
			InitialPrompt: sessPrompt,
			SnapshotDir:   sessSnapDir,
		})
		if err != nil {
			return err
		}
		fmt.Printf("session_id=%d token_length=%d loaded_from_snapshot=%v\n",
			res.SessionID, res.TokenLength, res.LoadedSnapshot)
		return nil
	},
}

var sessionDecodeCmd = &cobra.Command{
	Use:   "decode",
	Short: "Append prompt tokens to a session without generating",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		n, err := svc.GptDecode(cmd.Context(), service.GptDecodeOptions{SessionID: sessID, Prompt: sessPrompt})
		if err != nil {
			return err
		}
		fmt.Printf("token_length=%d\n", n)
		return nil
	},
}

var sessionInferCmd = &cobra.Command{
	Use:   "infer",
	Short: "Generate tokens from a session",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		res, err := svc.GptInfer(cmd.Context(), service.GptInferOptions{
			SessionID: sessID,
			Infer: session.InferOptions{
				Prompt: sessPrompt,
				NEval:  sessNEval,
				Sampling: runtime.Options{
					Temp: sessTemp,
					TopK: sessTopK,
					TopP: sessTopP,
				},
				PerToken: func(fragment string) bool {
					fmt.Print(fragment)
					return true
				},
			},
		})
		fmt.Println()
		if err != nil {
			return err
		}
		fmt.Printf("generated=%d aborted=%v\n", res.GeneratedCount, res.Aborted)
		return nil
	},
}

var sessionCommitCmd = &cobra.Command{
	Use:   "commit",
	Short: "Merge a session's uncommitted tokens into its committed log",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		n, err := svc.GptCommit(sessID)
		if err != nil {
			return err
		}
		fmt.Printf("token_length=%d\n", n)
		return nil
	},
}

var sessionResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Roll a session back to its initial prompt",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		n, err := svc.GptReset(sessID)
		if err != nil {
			return err
		}
		fmt.Printf("token_length=%d\n", n)
		return nil
	},
}

var sessionDestroyCmd = &cobra.Command{
	Use:   "destroy",
	Short: "Destroy a session and release its model reference",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		return svc.GptDestroy(sessID)
	},
}

var sessionTouchCmd = &cobra.Command{
	Use:   "touch",
	Short: "Refresh a session's idle TTL without running an operation",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		return svc.GptTouch(sessID)
	},
}

var sessionAbortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Request cancellation of a session's in-flight or next inference",
	RunE: func(cmd *cobra.Command, args []string) error {
		svc := newService(loadConfig(sessConfPath))
		return svc.AbortInference(sessID)
	},
}

func init() {
	all := []*cobra.Command{
		sessionCreateCmd, sessionDecodeCmd, sessionInferCmd, sessionCommitCmd,
		sessionResetCmd, sessionDestroyCmd, sessionTouchCmd, sessionAbortCmd,
	}
	for _, c := range all {
		c.Flags().StringVar(&sessConfPath, "config", "", "optional YAML config overlay")
	}
	for _, c := range []*cobra.Command{sessionDecodeCmd, sessionInferCmd, sessionCommitCmd,
		sessionResetCmd, sessionDestroyCmd, sessionTouchCmd, sessionAbortCmd} {
		c.Flags().Uint32Var(&sessID, "session", 0, "session id")
	}

	sessionCreateCmd.Flags().StringVar(&sessModelID, "model", "", "model id")
	sessionCreateCmd.Flags().IntVar(&sessCtxSize, "context-size", 0, "context size (0 = model default)")
	sessionCreateCmd.Flags().IntVar(&sessBatch, "batch-size", 0, "batch size (0 = default 512)")
	sessionCreateCmd.Flags().Uint64Var(&sessSeed, "seed", 0, "sampling seed")
	sessionCreateCmd.Flags().StringVar(&sessPrompt, "prompt", "", "initial prompt")
	sessionCreateCmd.Flags().StringVar(&sessSnapDir, "snapshot-dir", "", "snapshot directory (enables save/load)")

	sessionDecodeCmd.Flags().StringVar(&sessPrompt, "prompt", "", "prompt text to append")

	sessionInferCmd.Flags().StringVar(&sessPrompt, "prompt", "", "optional inline prompt, decoded but not committed")
	sessionInferCmd.Flags().IntVar(&sessNEval, "n-eval", 16, "maximum tokens to generate")
	sessionInferCmd.Flags().Float64Var(&sessTemp, "temp", 0.8, "sampling temperature")
	sessionInferCmd.Flags().IntVar(&sessTopK, "top-k", 40, "top-k filter (0 disables)")
	sessionInferCmd.Flags().Float64Var(&sessTopP, "top-p", 0.95, "top-p filter (0 disables)")

	sessionCmd.AddCommand(sessionCreateCmd, sessionDecodeCmd, sessionInferCmd, sessionCommitCmd,
		sessionResetCmd, sessionDestroyCmd, sessionTouchCmd, sessionAbortCmd)
}
