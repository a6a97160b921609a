package cli

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/wfunc/jutta-brewer/internal/errors"
	"github.com/wfunc/jutta-brewer/internal/hardware"
)

func newPortsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := hardware.ListPorts()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No serial ports found")
				return nil
			}
			for _, p := range ports {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		},
	}
}

func newDrinksCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drinks",
		Short: "List drinks on the machine panel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s %-5s %s\n", "DRINK", "PAGE", "BUTTON")
			for _, d := range hardware.Drinks() {
				page, _ := d.Page()
				button, _ := d.Button()
				fmt.Fprintf(out, "%-16s %-5d %d\n", d, page, button)
			}
			return nil
		},
	}
}

func newTypeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "type",
		Short: "Query the machine type",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(func(s *session) error {
				model, err := s.maker.DeviceType(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), model)
				return nil
			})
		},
	}
}

func newBrewCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "brew <drink>",
		Short: "Brew a panel drink",
		Long: `Switch to the page holding the drink and press its button.

Run "juttactl drinks" for the list of names.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			drink, err := hardware.ParseDrink(args[0])
			if err != nil {
				return err
			}
			return opts.withSession(func(s *session) error {
				if err := s.maker.BrewCoffee(cmd.Context(), drink); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Brewing %s\n", drink)
				return nil
			})
		},
	}
}

func newCustomCommand(opts *options) *cobra.Command {
	var (
		grind, compress, water          time.Duration
		hold, preInfusion, preInfusePause time.Duration
	)

	cmd := &cobra.Command{
		Use:   "custom",
		Short: "Brew with custom grind and water times",
		Long: `Run the brew sequence step by step: grind, compress, pre-infusion,
extraction with pulsed heating, brew group reset.

Ctrl+C cancels the brew; running actuators are switched off and the brew
group is reset before exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(func(s *session) error {
				params := s.maker.DefaultParams()
				set := func(name string, dst *time.Duration, v time.Duration) {
					if cmd.Flags().Changed(name) {
						*dst = v
					}
				}
				set("grind", &params.GrindTime, grind)
				set("compress", &params.CompressTime, compress)
				set("water", &params.WaterTime, water)
				set("hold", &params.CompressHold, hold)
				set("pre-infusion", &params.PreInfusionTime, preInfusion)
				set("pre-infusion-pause", &params.PreInfusionPause, preInfusePause)

				ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				out := cmd.OutOrStdout()
				s.maker.OnStateChange(func(state hardware.BrewState) {
					fmt.Fprintf(out, "-> %s\n", state)
				})

				result, err := s.maker.BrewCustomCoffee(ctx, params)
				if result != nil {
					switch {
					case result.Canceled:
						fmt.Fprintf(out, "Canceled during %s after %s\n", result.CanceledIn, formatDuration(result.Duration))
					case result.Completed:
						fmt.Fprintf(out, "Done in %s, %d heater pulses\n", formatDuration(result.Duration), result.HeaterPulses)
					}
				}
				return err
			})
		},
	}

	d := hardware.DefaultBrewParams()
	cmd.Flags().DurationVar(&grind, "grind", d.GrindTime, "Grinder run time")
	cmd.Flags().DurationVar(&compress, "compress", d.CompressTime, "Press run time")
	cmd.Flags().DurationVar(&water, "water", d.WaterTime, "Extraction time")
	cmd.Flags().DurationVar(&hold, "hold", d.CompressHold, "Extra press hold")
	cmd.Flags().DurationVar(&preInfusion, "pre-infusion", d.PreInfusionTime, "Pre-infusion pump time")
	cmd.Flags().DurationVar(&preInfusePause, "pre-infusion-pause", d.PreInfusionPause, "Pause after pre-infusion")
	return cmd
}

func newPressCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "press <button>",
		Short: "Press a panel button (1-6)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return errors.Newf(errors.ErrUnknownButton, "button %q", args[0])
			}
			return opts.withSession(func(s *session) error {
				return s.maker.PressButton(cmd.Context(), hardware.Button(n))
			})
		},
	}
}

func newPageCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "page [n]",
		Short: "Switch the panel page",
		Long: `Without an argument the page toggle is pressed once. With a page number
the toggle is pressed until that page is shown, counting from page 0 at
connection time.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := -1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil {
					return errors.Newf(errors.ErrInvalidPage, "page %q", args[0])
				}
				target = n
			}
			return opts.withSession(func(s *session) error {
				var err error
				if target < 0 {
					err = s.maker.SwitchPage(cmd.Context())
				} else {
					err = s.maker.SwitchToPage(cmd.Context(), target)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Page %d\n", s.maker.Page())
				return nil
			})
		},
	}
}

func newRawCommand(opts *options) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "raw <command>",
		Short: `Send a raw command such as "FN:07" and print the reply`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(func(s *session) error {
				if timeout <= 0 {
					timeout = s.conn.Timing().AckTimeout
				}
				reply, err := s.maker.SendRaw(cmd.Context(), args[0], timeout)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), hardware.FormatPrintable([]byte(reply)))
				return nil
			})
		},
	}
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "Reply timeout (default: ack timeout)")
	return cmd
}

func newPowerOffCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "power-off",
		Short: "Switch the machine off",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withSession(func(s *session) error {
				return s.maker.PowerOff(cmd.Context())
			})
		},
	}
}

func newTestModeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:       "test-mode <on|off>",
		Short:     "Enter or leave test mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[0] {
			case "on":
				on = true
			case "off":
			default:
				return errors.Newf(errors.ErrInvalidParam, "expected on or off, got %q", args[0])
			}
			return opts.withSession(func(s *session) error {
				return s.maker.SetTestMode(cmd.Context(), on)
			})
		},
	}
}

func newSelfTestCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "selftest",
		Short: "Check the frame codec and the machine link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if err := hardware.VerifyCodec(); err != nil {
				return err
			}
			fmt.Fprintln(out, "codec: ok (256 values)")
			sample := byte('T')
			fmt.Fprintf(out, "sample: %q %s -> %s\n", sample, hardware.FormatByte(sample), hardware.Encode(sample))

			return opts.withSession(func(s *session) error {
				start := time.Now()
				model, err := s.maker.DeviceType(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "link: ok (%s, %dms)\n", model, time.Since(start).Milliseconds())

				stats := s.conn.Stats()
				fmt.Fprintf(out, "frames: sent=%d received=%d malformed=%d\n",
					stats.FramesSent, stats.FramesReceived, stats.MalformedFrames)
				return nil
			})
		},
	}
}
