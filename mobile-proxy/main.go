package main

import (
	"flag"
	"fmt"
	"sync"

	"github.com/jedisct1/dlog"
	"github.com/kardianos/service"
)

const (
	AppVersion            = "0.9.2"
	DefaultConfigFileName = "mobile-proxy.toml"
)

type App struct {
	wg    sync.WaitGroup
	quit  chan struct{}
	proxy *Proxy
}

func main() {
	dlog.Init("mobile-proxy", dlog.SeverityNotice, "DAEMON")
	svcConfig := &service.Config{
		Name:        "mobile-proxy",
		DisplayName: "Mobile Adapter link proxy",
		Description: "Emulated Mobile Adapter service for Game Boy link clients",
	}
	svcFlag := flag.String("service", "", fmt.Sprintf("Control the system service: %q", service.ControlAction))
	app := &App{}
	svc, err := service.New(app, svcConfig)
	if err != nil {
		svc = nil
		dlog.Debug(err)
	}
	app.proxy = NewProxy()

	if err := ConfigLoad(app.proxy, svcFlag); err != nil {
		dlog.Fatal(err)
	}
	dlog.Noticef("mobile-proxy %s", AppVersion)

	if len(*svcFlag) != 0 {
		if svc == nil {
			dlog.Fatal("Built-in service installation is not supported on this platform")
		}
		if err := service.Control(svc, *svcFlag); err != nil {
			dlog.Fatal(err)
		}
		if *svcFlag == "install" {
			dlog.Notice("Installed as a service. Use `-service start` to start")
		} else if *svcFlag == "uninstall" {
			dlog.Notice("Service uninstalled")
		} else if *svcFlag == "start" {
			dlog.Notice("Service started")
		} else if *svcFlag == "stop" {
			dlog.Notice("Service stopped")
		} else if *svcFlag == "restart" {
			dlog.Notice("Service restarted")
		}
		return
	}
	if svc != nil {
		if err := svc.Run(); err != nil {
			dlog.Fatal(err)
		}
	} else {
		app.Start(nil)
	}
}

func (app *App) Start(service service.Service) error {
	if err := ServiceManagerStartNotify(); err != nil {
		dlog.Error(err)
	}
	app.quit = make(chan struct{})
	app.wg.Add(1)
	if service != nil {
		go app.AppMain()
	} else {
		app.AppMain()
	}
	return nil
}

func (app *App) AppMain() {
	app.proxy.StartProxy()
	if err := PidFileCreate(); err != nil {
		dlog.Errorf("Unable to create the PID file: [%v]", err)
	}
	<-app.quit
	dlog.Notice("Quit signal received...")
	app.wg.Done()
}

func (app *App) Stop(service service.Service) error {
	if relay := app.proxy.relay; relay != nil {
		relay.Stop()
	}
	if err := PidFileRemove(); err != nil {
		dlog.Errorf("Unable to remove the PID file: [%v]", err)
	}
	close(app.quit)
	app.wg.Wait()
	dlog.Notice("Stopped.")
	return nil
}
