package action

import (
	"context"
	"fmt"

	"github.com/felcoslop/tizap-sub000/channel"
	"github.com/felcoslop/tizap-sub000/model"
)

type ImageData struct {
	Images   []string `json:"images"`
	ImageUrl string   `json:"imageUrl"`
	Caption  string   `json:"caption"`
}

func (d *ImageData) urls() []string {
	if len(d.Images) > 0 {
		return d.Images
	}
	if d.ImageUrl != "" {
		return []string{d.ImageUrl}
	}
	return nil
}

func executeImage(ctx context.Context, session *model.FlowSession, node *model.Node, p *Platform) Result {
	data, err := decode[ImageData](node)
	if err != nil {
		return failed(err)
	}
	urls := data.urls()
	if len(urls) == 0 {
		return failed(fmt.Errorf("%w: image node %s has no images", ErrInvalidNodeData, node.Id))
	}
	caption, err := ResolveText(data.Caption, session.Variables)
	if err != nil {
		return failed(err)
	}
	res := Result{Action: RESULT_CONTINUE}
	for i, url := range urls {
		if i > 0 {
			if err := p.sleep(ctx, p.ImageInterval); err != nil {
				return failed(err, res.Logs...)
			}
		}
		c := ""
		if i == 0 {
			c = caption
		}
		if _, err := p.send(ctx, session, channel.MediaPayload(url, c)); err != nil {
			return failed(fmt.Errorf("send image %d/%d: %w", i+1, len(urls), err), res.Logs...)
		}
		res.log(model.LOG_SENT_MESSAGE, url)
	}
	return res
}
