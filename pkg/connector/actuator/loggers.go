package actuator

import (
	"context"
	"errors"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/live-connector/pkg/connector"
)

var errLoggerRequired = errors.New("actuator: logger name is required")

// GetLoggers {"levels":[...],"loggers":{"ROOT":{"configuredLevel":"INFO","effectiveLevel":"INFO"}},"groups":{...}}
func (c *Connector) GetLoggers(ctx context.Context, _ *connector.LoggersData) (*connector.LoggersData, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	var out *connector.LoggersData
	err := c.getJSON(ctx, "loggers", nil, func(doc gjson.Result) error {
		out = parseLoggers(c.key, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseLoggers(key string, doc gjson.Result) *connector.LoggersData {
	d := &connector.LoggersData{
		ProcessKey: key,
		Loggers:    make(map[string]connector.LoggerLevels),
	}
	for _, l := range doc.Get("levels").Array() {
		d.Levels = append(d.Levels, l.String())
	}
	doc.Get("loggers").ForEach(func(name, v gjson.Result) bool {
		d.Loggers[name.String()] = connector.LoggerLevels{
			ConfiguredLevel: v.Get("configuredLevel").String(),
			EffectiveLevel:  v.Get("effectiveLevel").String(),
		}
		return true
	})
	if groups := doc.Get("groups"); groups.IsObject() {
		d.Groups = make(map[string]connector.LoggerGroup)
		groups.ForEach(func(name, v gjson.Result) bool {
			g := connector.LoggerGroup{ConfiguredLevel: v.Get("configuredLevel").String()}
			for _, m := range v.Get("members").Array() {
				g.Members = append(g.Members, m.String())
			}
			d.Groups[name.String()] = g
			return true
		})
	}
	return d
}

// ConfigureLogLevel POST /loggers/{name}，再读取一次得到生效后的级别。
// configuredLevel 为空时发送 null，即恢复继承。
func (c *Connector) ConfigureLogLevel(ctx context.Context, _ *connector.LoggersData, args map[string]string) (*connector.LogLevelUpdate, error) {
	if err := c.requireConnected(); err != nil {
		return nil, err
	}
	name := args[connector.ArgLogger]
	if name == "" {
		return nil, errLoggerRequired
	}

	var body string
	var err error
	if level := args[connector.ArgConfiguredLevel]; level != "" {
		body, err = sjson.Set("{}", "configuredLevel", level)
	} else {
		body, err = sjson.SetRaw("{}", "configuredLevel", "null")
	}
	if err != nil {
		return nil, err
	}

	path := "loggers/" + name
	if err := c.do(ctx, http.MethodPost, c.endpoint(path, nil), []byte(body), nil); err != nil {
		return nil, err
	}

	u := &connector.LogLevelUpdate{ProcessKey: c.key, LoggerName: name}
	err = c.getJSON(ctx, path, nil, func(doc gjson.Result) error {
		u.ConfiguredLevel = doc.Get("configuredLevel").String()
		u.EffectiveLevel = doc.Get("effectiveLevel").String()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}
