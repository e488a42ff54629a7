package models

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/draw"
	"math"

	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/pointcloud"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/rimage"
	"go.viam.com/rdk/spatialmath"
	rutils "go.viam.com/rdk/utils"
)

var (
	AimingCamera = resource.NewModel("viam", "head-perception", "aiming-camera")
)

func init() {
	resource.RegisterComponent(camera.API, AimingCamera,
		resource.Registration[camera.Camera, *AimingCameraConfig]{
			Constructor: newAimingCamera,
		},
	)
}

var crosshairColors = map[string]color.RGBA{
	"red":     {R: 255, A: 255},
	"green":   {G: 255, A: 255},
	"blue":    {B: 255, A: 255},
	"white":   {R: 255, G: 255, B: 255, A: 255},
	"black":   {A: 255},
	"yellow":  {R: 255, G: 255, A: 255},
	"cyan":    {G: 255, B: 255, A: 255},
	"magenta": {R: 255, B: 255, A: 255},
}

// AimingCameraConfig overlays a crosshair on the pixel the perception coordinator aims at.
type AimingCameraConfig struct {
	CameraName      string    `json:"camera_name"`
	TargetPixel     []float64 `json:"target_pixel,omitempty"` // image center when empty
	CrosshairSize   int       `json:"crosshair_size"`         // half length of each line
	CrosshairThick  int       `json:"crosshair_thick"`
	CrosshairColor  string    `json:"crosshair_color"`
	CrosshairCircle bool      `json:"crosshair_circle"`
}

// Validate ensures all parts of the config are valid and important fields exist.
// Returns implicit dependencies based on the config.
func (cfg *AimingCameraConfig) Validate(path string) ([]string, []string, error) {
	if cfg.CameraName == "" {
		return nil, nil, errors.New("camera_name is required")
	}
	if cfg.TargetPixel != nil && len(cfg.TargetPixel) != 2 {
		return nil, nil, errors.New("target_pixel must have exactly 2 values [u, v]")
	}
	if cfg.CrosshairSize < 0 || cfg.CrosshairThick < 0 {
		return nil, nil, errors.New("crosshair_size and crosshair_thick must be positive")
	}
	if cfg.CrosshairSize == 0 {
		cfg.CrosshairSize = 100
	}
	if cfg.CrosshairThick == 0 {
		cfg.CrosshairThick = 20
	}
	if cfg.CrosshairColor == "" {
		cfg.CrosshairColor = "red"
	}
	if _, ok := crosshairColors[cfg.CrosshairColor]; !ok {
		return nil, nil, errors.New("unknown crosshair_color " + cfg.CrosshairColor)
	}
	return []string{cfg.CameraName}, nil, nil
}

type crosshair struct {
	target *image.Point
	size   int
	thick  int
	color  color.RGBA
	circle bool
}

func crosshairFromConfig(conf *AimingCameraConfig) crosshair {
	c := crosshair{
		size:   conf.CrosshairSize,
		thick:  conf.CrosshairThick,
		color:  crosshairColors[conf.CrosshairColor],
		circle: conf.CrosshairCircle,
	}
	if len(conf.TargetPixel) == 2 {
		c.target = &image.Point{X: int(math.Round(conf.TargetPixel[0])), Y: int(math.Round(conf.TargetPixel[1]))}
	}
	return c
}

type aimingCamera struct {
	resource.AlwaysRebuild

	name          resource.Name
	logger        logging.Logger
	underlyingCam camera.Camera
	crosshair     crosshair
}

func newAimingCamera(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (camera.Camera, error) {
	conf, err := resource.NativeConfig[*AimingCameraConfig](rawConf)
	if err != nil {
		return nil, err
	}

	cam, err := camera.FromDependencies(deps, conf.CameraName)
	if err != nil {
		return nil, err
	}

	return &aimingCamera{
		name:          rawConf.ResourceName(),
		logger:        logger,
		underlyingCam: cam,
		crosshair:     crosshairFromConfig(conf),
	}, nil
}

func (s *aimingCamera) Name() resource.Name {
	return s.name
}

func (s *aimingCamera) Close(context.Context) error {
	return nil
}

func (s *aimingCamera) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, resource.ErrDoUnimplemented
}

// drawCrosshair returns a copy of img with the crosshair drawn at the target pixel,
// or at the image center when no target is set. Parts outside the image are clipped.
func drawCrosshair(img image.Image, c crosshair) *image.RGBA {
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	draw.Draw(rgba, bounds, img, bounds.Min, draw.Src)

	center := image.Point{X: bounds.Min.X + bounds.Dx()/2, Y: bounds.Min.Y + bounds.Dy()/2}
	if c.target != nil {
		center = bounds.Min.Add(*c.target)
	}

	fill := image.NewUniform(c.color)
	half := c.thick / 2
	horizontal := image.Rect(center.X-c.size, center.Y-half, center.X+c.size+1, center.Y+half+1)
	vertical := image.Rect(center.X-half, center.Y-c.size, center.X+half+1, center.Y+c.size+1)
	draw.Draw(rgba, horizontal.Intersect(bounds), fill, image.Point{}, draw.Src)
	draw.Draw(rgba, vertical.Intersect(bounds), fill, image.Point{}, draw.Src)

	if c.circle {
		radius := float64(c.size) / 2
		for angle := 0.0; angle < 360.0; angle++ {
			rad := angle * math.Pi / 180.0
			p := image.Point{
				X: center.X + int(math.Round(radius*math.Cos(rad))),
				Y: center.Y + int(math.Round(radius*math.Sin(rad))),
			}
			if p.In(bounds) {
				rgba.SetRGBA(p.X, p.Y, c.color)
			}
		}
	}
	return rgba
}

func (s *aimingCamera) Geometries(ctx context.Context, extra map[string]interface{}) ([]spatialmath.Geometry, error) {
	return s.underlyingCam.Geometries(ctx, extra)
}

func (s *aimingCamera) Image(ctx context.Context, mimeType string, extra map[string]interface{}) ([]byte, camera.ImageMetadata, error) {
	if mimeType == "" {
		mimeType = rutils.MimeTypeJPEG
	}
	imgs, _, err := s.Images(ctx, nil, extra)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	if len(imgs) == 0 {
		return nil, camera.ImageMetadata{}, errors.New("no images returned from underlying camera")
	}
	img, err := imgs[0].Image(ctx)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	data, err := rimage.EncodeImage(ctx, img, mimeType)
	if err != nil {
		return nil, camera.ImageMetadata{}, err
	}
	return data, camera.ImageMetadata{MimeType: mimeType}, nil
}

func (s *aimingCamera) Images(ctx context.Context, sourceNames []string, extra map[string]interface{}) ([]camera.NamedImage, resource.ResponseMetadata, error) {
	imgs, meta, err := s.underlyingCam.Images(ctx, sourceNames, extra)
	if err != nil {
		return nil, resource.ResponseMetadata{}, err
	}

	out := make([]camera.NamedImage, len(imgs))
	for i, namedImg := range imgs {
		img, err := namedImg.Image(ctx)
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
		out[i], err = camera.NamedImageFromImage(drawCrosshair(img, s.crosshair), namedImg.SourceName, namedImg.MimeType())
		if err != nil {
			return nil, resource.ResponseMetadata{}, err
		}
	}
	return out, meta, nil
}

func (s *aimingCamera) NextPointCloud(ctx context.Context, extra map[string]interface{}) (pointcloud.PointCloud, error) {
	return nil, errors.New("next point cloud not implemented")
}

func (s *aimingCamera) Properties(ctx context.Context) (camera.Properties, error) {
	return s.underlyingCam.Properties(ctx)
}
