// Command ideasrv serves an IDEA stepper motor controller over HTTP and
// websockets
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/theckman/yacspin"

	"github.com/nasa-jpl/ideactl/analog"
	"github.com/nasa-jpl/ideactl/idea"
	"github.com/nasa-jpl/ideactl/server"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "ideasrv.yml"

	probeTimeout time.Duration
)

const inboundQueueLength = 64

var rootCmd = &cobra.Command{
	Use:   "ideasrv",
	Short: "IDEA stepper controller server",
	Long: `ideasrv drives a Haydon-Kerk IDEA stepper motor controller over a serial
line and exposes its position over HTTP and websockets.

The controller is configured with the motion profile from the config file
when the server starts, and again whenever the serial line is lost.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(ConfigFileName)
		if err != nil {
			return err
		}
		hub := analog.NewHub(inboundQueueLength)
		sess, err := idea.NewSession(c.Port(), hub, c.Profile, c.SessionOptions()...)
		if err != nil {
			return err
		}
		srv := server.New(sess, hub, c.Limits)
		srv.Tick = time.Duration(c.TickMs) * time.Millisecond

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		hs := &http.Server{Addr: c.Addr, Handler: srv.Router(c.Endpoint)}
		go func() {
			log.Println("now listening for requests at ", c.Addr+c.Endpoint)
			if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Println(err)
				stop()
			}
		}()
		err = srv.Run(ctx)
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(shutdown)
		return err
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Configure the controller and wait for its first position report",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(ConfigFileName)
		if err != nil {
			return err
		}
		spinner, err := yacspin.New(yacspin.Config{
			Frequency:         100 * time.Millisecond,
			CharSet:           yacspin.CharSets[14],
			Suffix:            " ",
			SuffixAutoColon:   true,
			Message:           "resetting",
			StopCharacter:     "✓",
			StopColors:        []string{"fgGreen"},
			StopFailCharacter: "✗",
			StopFailColors:    []string{"fgRed"},
		})
		if err != nil {
			return err
		}
		hub := analog.NewHub(inboundQueueLength)
		defer hub.Close()
		sess, err := idea.NewSession(c.Port(), hub, c.Profile, c.SessionOptions()...)
		if err != nil {
			return err
		}
		defer sess.Close()

		spinner.Start()
		tick := time.NewTicker(time.Duration(c.TickMs) * time.Millisecond)
		defer tick.Stop()
		deadline := time.After(probeTimeout)
		var lastErr error
		for {
			select {
			case <-deadline:
				msg := fmt.Sprintf("no report from %s after %v, phase %s", c.Device.Addr, probeTimeout, sess.Phase())
				if lastErr != nil {
					msg += ": " + lastErr.Error()
				}
				spinner.StopFailMessage(msg)
				spinner.StopFail()
				return fmt.Errorf("probe failed")
			case <-tick.C:
				if err := sess.Mainloop(); err != nil {
					lastErr = err
				}
				spinner.Message(sess.Phase().String())
				if !sess.LastReport().IsZero() {
					spinner.StopMessage(fmt.Sprintf("position %g (%d reports, %d parse errors)",
						sess.Position(), sess.Stats().Reports, sess.Stats().ParseErrors))
					spinner.Stop()
					return nil
				}
			}
		}
	},
}

var mkconfCmd = &cobra.Command{
	Use:   "mkconf",
	Short: "Write the effective configuration to " + ConfigFileName,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(ConfigFileName)
		if err != nil {
			return err
		}
		f, err := os.Create(ConfigFileName)
		if err != nil {
			return err
		}
		defer f.Close()
		return WriteConfig(f, c)
	},
}

var confCmd = &cobra.Command{
	Use:   "conf",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := LoadConfig(ConfigFileName)
		if err != nil {
			return err
		}
		return WriteConfig(os.Stdout, c)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("ideasrv version %v\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&ConfigFileName, "config", "c", ConfigFileName, "configuration file")
	probeCmd.Flags().DurationVarP(&probeTimeout, "timeout", "t", 10*time.Second, "how long to wait for a report")
	rootCmd.AddCommand(runCmd, probeCmd, mkconfCmd, confCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
