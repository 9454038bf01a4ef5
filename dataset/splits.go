package dataset

import (
	"fmt"
	"sort"
)

var validationPrefixes = []string{
	"bildstein_station3_xyz_intensity_rgb",
	"sg27_station2_intensity_rgb",
}

var trainPrefixes = []string{
	"bildstein_station1_xyz_intensity_rgb",
	"bildstein_station5_xyz_intensity_rgb",
	"domfountain_station1_xyz_intensity_rgb",
	"domfountain_station2_xyz_intensity_rgb",
	"domfountain_station3_xyz_intensity_rgb",
	"neugasse_station1_xyz_intensity_rgb",
	"sg27_station1_intensity_rgb",
	"sg27_station4_intensity_rgb",
	"sg27_station5_intensity_rgb",
	"sg27_station9_intensity_rgb",
	"sg28_station4_intensity_rgb",
	"untermaederbrunnen_station1_xyz_intensity_rgb",
	"untermaederbrunnen_station3_xyz_intensity_rgb",
}

var testPrefixes = []string{
	"birdfountain_station1_xyz_intensity_rgb",
	"castleblatten_station1_intensity_rgb",
	"castleblatten_station5_xyz_intensity_rgb",
	"marketplacefeldkirch_station1_intensity_rgb",
	"marketplacefeldkirch_station4_intensity_rgb",
	"marketplacefeldkirch_station7_intensity_rgb",
	"sg27_station10_intensity_rgb",
	"sg27_station3_intensity_rgb",
	"sg27_station6_intensity_rgb",
	"sg27_station8_intensity_rgb",
	"sg28_station2_intensity_rgb",
	"sg28_station5_xyz_intensity_rgb",
	"stgallencathedral_station1_intensity_rgb",
	"stgallencathedral_station3_intensity_rgb",
	"stgallencathedral_station6_intensity_rgb",
}

// Splits lists the accepted split names.
var Splits = []string{"train", "validation", "test", "all"}

// FilePrefixes returns the Semantic3D file prefixes belonging to split.
func FilePrefixes(split string) ([]string, error) {
	var prefixes []string
	switch split {
	case "train":
		prefixes = append(prefixes, trainPrefixes...)
	case "validation":
		prefixes = append(prefixes, validationPrefixes...)
	case "test":
		prefixes = append(prefixes, testPrefixes...)
	case "all":
		prefixes = append(prefixes, trainPrefixes...)
		prefixes = append(prefixes, validationPrefixes...)
		prefixes = append(prefixes, testPrefixes...)
		sort.Strings(prefixes)
	default:
		return nil, fmt.Errorf("unknown split %q, want one of %v", split, Splits)
	}
	return prefixes, nil
}
