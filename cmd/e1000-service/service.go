package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/e1000"
	"github.com/slackhq/e1000/config"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *e1000.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("e1000 service starting.")

	l := logrus.New()
	l.Out = os.Stdout
	l.AddHook(&serviceHook{sl: logger})

	c := config.NewC(l)
	if err := c.Load(*p.configPath); err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	ctrl, err := e1000.Main(c, *p.configTest, p.build, l)
	if err != nil {
		return err
	}
	if *p.configTest {
		return nil
	}

	if err := ctrl.Start(); err != nil {
		ctrl.Stop()
		return err
	}
	p.control = ctrl
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("e1000 service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

// serviceHook copies warnings and worse into the service manager's log.
type serviceHook struct {
	sl service.Logger
}

func (h *serviceHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel, logrus.WarnLevel}
}

func (h *serviceHook) Fire(entry *logrus.Entry) error {
	line, err := entry.String()
	if err != nil {
		return err
	}

	switch entry.Level {
	case logrus.WarnLevel:
		return h.sl.Warning(line)
	default:
		return h.sl.Error(line)
	}
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/config.yml"
	}

	svcConfig := &service.Config{
		Name:        "e1000",
		DisplayName: "e1000 userspace driver",
		Description: "Userspace driver for Intel 8254x network controllers",
		Arguments:   []string{"-service", "run", "-config", *configPath},
		Dependencies: []string{
			"After=network-pre.target",
		},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		err = s.Run()
		if err != nil {
			logger.Error(err)
		}
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}
}
