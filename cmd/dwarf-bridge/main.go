package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"dwarfbridge/pkg/ble"
	"dwarfbridge/pkg/dwarf"
	"dwarfbridge/pkg/store"
	"dwarfbridge/pkg/telemetry"
)

func openStore(c *cli.Context) (*bolt.DB, *store.Store, error) {
	db, err := bolt.Open(c.String("db"), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %v", err)
	}
	st, err := store.NewStore(db)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create store: %v", err)
	}
	return db, st, nil
}

// deviceConfig builds the session config from flags, falling back to
// the station address saved by a previous provision run.
func deviceConfig(c *cli.Context, st *store.Store) dwarf.Config {
	cfg := dwarf.DefaultConfig()
	if ip := c.String("ip"); ip != "" {
		cfg.DeviceIP = ip
	} else if state, err := st.Load(); err == nil && state.STAIP != "" {
		log.Infof("Using saved station address %s", state.STAIP)
		cfg.DeviceIP = state.STAIP
	}
	cfg.BlePassword = c.String("ble-password")
	return cfg
}

func runServe(c *cli.Context) error {
	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	cfg := deviceConfig(c, st)
	log.Infof("DWARF bridge starting, device at %s", cfg.DeviceIP)

	session := dwarf.NewSession(cfg, log.WithField("device", "dwarf"))
	defer session.Shutdown()

	for _, device := range []string{"camera", "telescope"} {
		if err := session.Acquire(device); err != nil {
			return fmt.Errorf("failed to connect to device: %v", err)
		}
		defer session.Release(device)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	if broker := c.String("mqtt-broker"); broker != "" {
		publisher, err := telemetry.NewPublisher(telemetry.Config{
			Broker:    broker,
			Username:  c.String("mqtt-username"),
			Password:  c.String("mqtt-password"),
			ClientID:  "dwarf-bridge",
			TopicRoot: c.String("mqtt-topic-root"),
			Interval:  c.Duration("mqtt-interval"),
		}, func() any { return session.Snapshot() }, log.StandardLogger())
		if err != nil {
			return fmt.Errorf("failed to start telemetry: %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			publisher.Run(ctx)
			log.Debug("Telemetry publisher stopped")
		}()
	}

	<-ctx.Done()
	log.Info("Shutting down...")
	wg.Wait()
	return nil
}

func dialProvisioner(c *cli.Context) (*ble.GattTransport, *ble.Provisioner, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("scan-timeout"))
	defer cancel()

	transport, err := ble.DialDevice(ctx, c.Duration("scan-timeout"), log.WithField("component", "ble"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reach device over BLE: %v", err)
	}

	prov := ble.NewProvisioner(transport, c.String("ble-password"),
		dwarf.DefaultConfig().BleResponseTimeout, log.StandardLogger())
	if err := transport.Subscribe(prov.HandleNotification); err != nil {
		transport.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to notifications: %v", err)
	}
	return transport, prov, nil
}

func runProvision(c *cli.Context) error {
	db, st, err := openStore(c)
	if err != nil {
		return err
	}
	defer db.Close()

	ssid := c.String("ssid")
	password := c.String("password")

	transport, prov, err := dialProvisioner(c)
	if err != nil {
		return err
	}
	defer transport.Close()

	ip, err := prov.Provision(ssid, password, c.Duration("timeout"))
	if err != nil {
		if saveErr := st.RecordError(err.Error()); saveErr != nil {
			log.Errorf("Failed to record provisioning error: %v", saveErr)
		}
		return fmt.Errorf("provisioning failed: %v", err)
	}

	if err := st.RecordSTA(ip, ssid, password); err != nil {
		return fmt.Errorf("failed to save station address: %v", err)
	}
	log.Infof("Device joined %q, station address %s", ssid, ip)
	fmt.Println(ip)
	return nil
}

func runWifiList(c *cli.Context) error {
	transport, prov, err := dialProvisioner(c)
	if err != nil {
		return err
	}
	defer transport.Close()

	ssids, err := prov.WifiList(c.Duration("timeout"))
	if err != nil {
		return fmt.Errorf("wifi scan failed: %v", err)
	}
	for _, ssid := range ssids {
		fmt.Println(ssid)
	}
	return nil
}

func main() {
	bleFlags := []cli.Flag{
		&cli.StringFlag{
			Name:    "ble-password",
			Usage:   "BLE pairing password",
			Value:   ble.DefaultBlePassword,
			EnvVars: []string{"DWARF_BLE_PASSWORD"},
		},
		&cli.DurationFlag{
			Name:  "scan-timeout",
			Usage: "How long to scan for the device",
			Value: 30 * time.Second,
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "How long to wait for the device to answer",
			Value: dwarf.DefaultConfig().ProvisionTimeout,
		},
	}

	app := cli.App{
		Name:  "dwarf-bridge",
		Usage: "Control bridge for DWARF 3 smart telescopes",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the state database",
				Value:   "dwarf-bridge.db",
				EnvVars: []string{"DWARF_BRIDGE_DB"},
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "Connect to the telescope and publish its status",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:    "ip",
						Usage:   "Device address (defaults to the saved station address)",
						EnvVars: []string{"DWARF_IP"},
					},
					&cli.StringFlag{
						Name:    "mqtt-broker",
						Usage:   "MQTT broker for telemetry, empty disables it",
						EnvVars: []string{"DWARF_MQTT_BROKER"},
					},
					&cli.StringFlag{Name: "mqtt-username", EnvVars: []string{"DWARF_MQTT_USERNAME"}},
					&cli.StringFlag{Name: "mqtt-password", EnvVars: []string{"DWARF_MQTT_PASSWORD"}},
					&cli.StringFlag{Name: "mqtt-topic-root", Value: "dwarfbridge"},
					&cli.DurationFlag{Name: "mqtt-interval", Value: 15 * time.Second},
				}, bleFlags...),
				Action: runServe,
			},
			{
				Name:  "provision",
				Usage: "Join the telescope to a Wi-Fi network over BLE",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "ssid",
						Usage:    "Wi-Fi network name",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "password",
						Usage:   "Wi-Fi password",
						EnvVars: []string{"DWARF_WIFI_PASSWORD"},
					},
				}, bleFlags...),
				Action: runProvision,
			},
			{
				Name:   "wifi-list",
				Usage:  "List the Wi-Fi networks the telescope can see",
				Flags:  bleFlags,
				Action: runWifiList,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
