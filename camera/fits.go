package camera

import (
	"fmt"
	"io"

	"github.com/astrogo/fitsio"
)

const bzero16 = 32768

// WriteFITS streams a 16-bit frame to w, with the given metadata cards
func WriteFITS(w io.Writer, img *Image, metadata []fitsio.Card) error {
	if img == nil || len(img.Pixels) == 0 {
		return fmt.Errorf("fits: image has no pixel data")
	}
	if len(img.Pixels) != img.Width*img.Height {
		return fmt.Errorf("fits: %d pixels do not fill a %dx%d frame", len(img.Pixels), img.Width, img.Height)
	}
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{img.Width, img.Height})
	defer im.Close()
	cards := append([]fitsio.Card{
		{Name: "BZERO", Value: bzero16, Comment: "offset data range to that of unsigned short"},
		{Name: "BSCALE", Value: 1, Comment: "default scaling factor"},
	}, metadata...)
	err = im.Header().Append(cards...)
	if err != nil {
		return err
	}

	// the alloc and underflow is necessary, FITS has no unsigned 16-bit type
	bufOut := make([]int16, len(img.Pixels))
	for idx := 0; idx < len(img.Pixels); idx++ {
		bufOut[idx] = int16(int32(img.Pixels[idx]) - bzero16)
	}
	err = im.Write(bufOut)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// ReadFITS reads the primary HDU of a 16-bit FITS stream written by WriteFITS
// and returns it with statistics filled in, along with its header cards
func ReadFITS(r io.Reader) (*Image, []fitsio.Card, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	hdu, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("fits: primary HDU is not an image")
	}
	hdr := hdu.Header()
	if hdr.Bitpix() != 16 {
		return nil, nil, fmt.Errorf("fits: unsupported BITPIX %d", hdr.Bitpix())
	}
	axes := hdr.Axes()
	if len(axes) != 2 {
		return nil, nil, fmt.Errorf("fits: expected 2 axes, got %d", len(axes))
	}
	var raw []int16
	err = hdu.Read(&raw)
	if err != nil {
		return nil, nil, err
	}
	zero := 0.
	if c := hdr.Get("BZERO"); c != nil {
		switch v := c.Value.(type) {
		case int:
			zero = float64(v)
		case int64:
			zero = float64(v)
		case float64:
			zero = v
		}
	}
	px := make([]uint16, len(raw))
	for i, v := range raw {
		px[i] = uint16(float64(v) + zero)
	}
	img := &Image{BitDepth: 16, Width: axes[0], Height: axes[1], Pixels: px, Stars: -1}
	img.Min, img.Max, img.Mean = Stats(px)
	keys := hdr.Keys()
	cards := make([]fitsio.Card, 0, len(keys))
	for _, k := range keys {
		cards = append(cards, *hdr.Get(k))
	}
	return img, cards, nil
}
