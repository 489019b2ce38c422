package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/service-exchange/internal/bots"
	"github.com/spigell/service-exchange/internal/client"
	"github.com/spigell/service-exchange/internal/market"
	"github.com/spigell/service-exchange/internal/seats"
)

const (
	PromptSignFive  = "Sign with 5 stars"
	PromptSignThree = "Sign with 3 stars"
	PromptReject    = "Reject"
)

var demandCmd = &cobra.Command{
	Use:   "demand",
	Short: "Run a bot that posts TEST bids",
	Run: func(cmd *cobra.Command, _ []string) {
		runDemand(cmd)
	},
}

var supplyCmd = &cobra.Command{
	Use:   "supply",
	Short: "Run a bot that grabs and settles TEST jobs",
	Run: func(cmd *cobra.Command, _ []string) {
		runSupply(cmd)
	},
}

func init() {
	for _, c := range []*cobra.Command{demandCmd, supplyCmd} {
		rootCmd.AddCommand(c)

		c.Flags().String("api-url", "", "exchange API url")
		c.Flags().StringP("username", "u", "", "bot account username")
		c.Flags().StringP("password", "p", "", "bot account password")
		c.Flags().Duration("interval", 0, "delay between bot actions")
	}

	supplyCmd.Flags().String("profile", "cleaner", "provider profile to impersonate")
	supplyCmd.Flags().BoolP("auto-approve", "y", false, "sign every grabbed TEST job without asking")
	supplyCmd.Flags().String("seat-id", "", "seat id presented with grab_job")
	supplyCmd.Flags().String("seat-owner", "", "seat owner presented with grab_job")
	supplyCmd.Flags().String("seat-phrase", "", "seat phrase, hashed before sending")
}

// bindBotFlags points the shared bot keys at the flags of the running command.
func bindBotFlags(cmd *cobra.Command) {
	viper.BindPFlag("bots.api-url", cmd.Flags().Lookup("api-url"))
	viper.BindPFlag("bots.username", cmd.Flags().Lookup("username"))
	viper.BindPFlag("bots.password", cmd.Flags().Lookup("password"))
	viper.BindPFlag("bots.interval", cmd.Flags().Lookup("interval"))
}

func botSetup(cmd *cobra.Command) (*zap.Logger, *Config, *client.Client) {
	bindBotFlags(cmd)

	logger, config := setup()
	if strings.TrimSpace(config.Bots.Username) == "" || config.Bots.Password == "" {
		logger.Fatal("bot username and password are required")
	}

	return logger, config, client.New(logger, config.Bots.APIURL)
}

func runDemand(cmd *cobra.Command) {
	logger, config, api := botSetup(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bot := bots.NewDemand(bots.DemandConfig{
		Username: config.Bots.Username,
		Password: config.Bots.Password,
		Interval: config.Bots.Interval,
	}, api, logger)

	if err := bot.Run(ctx); err != nil {
		logger.Fatal("demand bot stopped", zap.Error(err))
	}
}

func runSupply(cmd *cobra.Command) {
	logger, config, api := botSetup(cmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	name, _ := cmd.Flags().GetString("profile")
	profile, ok := bots.FindProfile(name)
	if !ok {
		logger.Fatal("unknown profile", zap.String("profile", name))
	}

	var decider bots.Decider = bots.AutoApprove{}
	if approve, _ := cmd.Flags().GetBool("auto-approve"); !approve {
		decider = promptDecider{}
	}

	bot := bots.NewSupply(bots.SupplyConfig{
		Username: config.Bots.Username,
		Password: config.Bots.Password,
		Interval: config.Bots.Interval,
		Profile:  profile,
		Seat:     seatFromFlags(cmd),
	}, api, decider, logger)

	if err := bot.Run(ctx); err != nil {
		logger.Fatal("supply bot stopped", zap.Error(err))
	}
}

func seatFromFlags(cmd *cobra.Command) *seats.Credential {
	id, _ := cmd.Flags().GetString("seat-id")
	if id == "" {
		return nil
	}
	owner, _ := cmd.Flags().GetString("seat-owner")
	phrase, _ := cmd.Flags().GetString("seat-phrase")

	return &seats.Credential{ID: id, Owner: owner, Secret: seats.HashPhrase(phrase)}
}

// promptDecider asks the operator what to do with every grabbed job.
type promptDecider struct{}

func (promptDecider) Decide(_ context.Context, job *market.Job) (bots.Decision, error) {
	fmt.Printf("\nJob %s: %s for %.2f %s from %s\n",
		job.ID, job.Service.String(), job.Price, job.Currency, job.BuyerUsername)

	prompt := promptui.Select{
		Label: "Settle the job?",
		Items: []string{PromptSignFive, PromptSignThree, PromptReject},
	}

	_, selected, err := prompt.Run()
	if err != nil {
		return bots.Decision{}, err
	}

	switch selected {
	case PromptSignFive:
		return bots.Decision{Sign: true, Rating: 5}, nil
	case PromptSignThree:
		return bots.Decision{Sign: true, Rating: 3}, nil
	default:
		return bots.Decision{Reason: "rejected by operator"}, nil
	}
}
