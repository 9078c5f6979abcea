package main

import (
	"fmt"
	"os"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Schema up to date (%s)\n", db.Dialect())
			return nil
		},
	}
}

func addProductCmd() *cobra.Command {
	var (
		name        string
		price       string
		delivery    string
		groupID     string
		fixedSecret string
		offSale     bool
	)

	cmd := &cobra.Command{
		Use:   "add-product",
		Short: "Create a product",
		Long: `Create a product with one of the delivery strategies:
  group_invite   single-use link to --group
  fixed_secret   the same --secret for every buyer
  pool_secret    one secret per order from the imported pool`,
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid price %q: %w", price, err)
			}
			switch delivery {
			case models.DeliveryGroupInvite:
				if groupID == "" {
					return fmt.Errorf("--group is required for %s", delivery)
				}
			case models.DeliveryFixedSecret, models.DeliveryPoolSecret:
			default:
				return fmt.Errorf("unknown delivery type %q", delivery)
			}

			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			product := &models.Product{
				Name:         name,
				Price:        amount.Round(2),
				DeliveryType: delivery,
				GroupID:      groupID,
				FixedSecret:  fixedSecret,
				OnSale:       !offSale,
				CreatedAt:    time.Now(),
			}
			if err := db.CreateProduct(cmd.Context(), product); err != nil {
				return fmt.Errorf("failed to create product: %w", err)
			}
			fmt.Printf("Created product %d (%s, %s)\n", product.ID, product.Name, product.DeliveryType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "product name")
	cmd.Flags().StringVarP(&price, "price", "p", "", "price, two decimal places")
	cmd.Flags().StringVarP(&delivery, "delivery", "d", models.DeliveryPoolSecret, "delivery type")
	cmd.Flags().StringVar(&groupID, "group", "", "group chat ID for group_invite")
	cmd.Flags().StringVar(&fixedSecret, "secret", "", "secret text for fixed_secret")
	cmd.Flags().BoolVar(&offSale, "off-sale", false, "create the product hidden from buyers")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("price")

	return cmd
}

func importSecretsCmd() *cobra.Command {
	var (
		productID int64
		file      string
	)

	cmd := &cobra.Command{
		Use:   "import-secrets",
		Short: "Append secrets to a product's pool, one per line",
		Long: `Append secrets to a pool_secret product. Each non-empty line of the file
becomes one secret; earlier lines are handed out first. Reads stdin when
--file is "-".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := os.Stdin
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := service.NewStockService(db, nil).ImportSecrets(cmd.Context(), productID, in)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d secrets into product %d\n", n, productID)
			return nil
		},
	}

	cmd.Flags().Int64Var(&productID, "product", 0, "product ID")
	cmd.Flags().StringVarP(&file, "file", "f", "-", "file with one secret per line")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func stockCmd() *cobra.Command {
	var productID int64

	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Show unclaimed secrets left in a product's pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := service.NewStockService(db, nil).Available(cmd.Context(), productID)
			if err != nil {
				return err
			}
			fmt.Printf("Product %d: %d available\n", productID, n)
			return nil
		},
	}

	cmd.Flags().Int64Var(&productID, "product", 0, "product ID")
	_ = cmd.MarkFlagRequired("product")

	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Cancel pending orders past their channel deadline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, cfg, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			deliveries := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicDeliveries)
			defer deliveries.Close()
			status := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrderStatus)
			defer status.Close()
			publisher := broker.NewEventPublisher(deliveries, nil, nil, status)

			timeouts := service.ChannelTimeouts{
				Default:    cfg.Business.DefaultOrderTimeout,
				PerChannel: cfg.Business.ChannelTimeouts,
			}
			machine := service.NewOrderStateMachine(db, publisher, nil)
			n, err := service.NewReaper(db, machine, timeouts, publisher, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Cancelled %d expired orders\n", n)
			return nil
		},
	}
}
