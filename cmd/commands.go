package main

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"greentrace/internal/bootstrap"
	"greentrace/internal/ml"
	"greentrace/internal/services/advisory"
	"greentrace/pkg/errors"
)

var (
	ingestLimit int

	adviseImage       string
	adviseCrop        string
	adviseStage       string
	adviseDescription string
	adviseSoilType    string
	adviseIrrigation  string
	adviseWeather     string
	adviseSymptoms    []string
	adviseLat         float64
	adviseLon         float64
	adviseSoil        string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch Agmarknet prices once and store them",
	Long: `Fetch up to --limit price records from Agmarknet and upsert them.

When the upstream is unavailable the last-good snapshot is stored instead,
so the command only fails when no data is available at all.`,
	RunE: runIngest,
}

var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Analyze one crop image and print the advisory as JSON",
	Example: `  greentrace advise --image https://example.org/leaf.jpg --crop Tomato --stage Flowering
  greentrace advise --image gs://bucket/leaf.jpg --crop Rice --lat 19.99 --lon 73.79 \
    --soil 240,12.5,180,6.8,0.4,0.6,10,0.6,4.5,0.2,2,0.5`,
	RunE: runAdvise,
}

func init() {
	ingestCmd.Flags().IntVar(&ingestLimit, "limit", 0, "maximum records to fetch (default AGMARKNET_LIMIT)")

	f := adviseCmd.Flags()
	f.StringVar(&adviseImage, "image", "", "image URL (http(s) or gs://)")
	f.StringVar(&adviseCrop, "crop", "", "crop type")
	f.StringVar(&adviseStage, "stage", "", "growth stage")
	f.StringVar(&adviseDescription, "description", "", "farmer's description of the problem")
	f.StringVar(&adviseSoilType, "soil-type", "", "soil type")
	f.StringVar(&adviseIrrigation, "irrigation", "", "irrigation type")
	f.StringVar(&adviseWeather, "weather", "", "weather context, used when no location is given")
	f.StringSliceVar(&adviseSymptoms, "symptom", nil, "observed symptom (repeatable)")
	f.Float64Var(&adviseLat, "lat", 0, "field latitude")
	f.Float64Var(&adviseLon, "lon", 0, "field longitude")
	f.StringVar(&adviseSoil, "soil", "", "soil report N,P,K,pH,EC,OC,S,Zn,Fe,Cu,Mn,B")
	_ = adviseCmd.MarkFlagRequired("image")
}

func runIngest(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c := bootstrap.NewContainer()
	c.MustInitConfig()
	c.MustInitInfrastructure()
	c.MustInitRepositories()
	c.MustInitAdapters()
	c.MustInitIngestion()
	defer c.Close()

	if err := c.Adapters.Fetcher.Warm(ctx); err != nil {
		c.Log.Warnw("Last-good cache not restored", "error", err)
	}

	res, err := c.Services.Ingestion.FetchAndStorePrices(ctx, ingestLimit)
	if err != nil {
		return err
	}

	printf(cmd, "batch %s: fetched %s, new %s, updated %s, failed %s in %s\n",
		res.BatchID,
		humanize.Comma(int64(res.Fetched)),
		humanize.Comma(int64(res.NewCount)),
		humanize.Comma(int64(res.UpdatedCount)),
		humanize.Comma(int64(res.FailedCount)),
		res.Duration.Round(time.Millisecond),
	)
	return nil
}

func runAdvise(cmd *cobra.Command, _ []string) error {
	req, err := adviseRequest(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	c := bootstrap.NewContainer()
	c.MustInitConfig()
	c.MustInitAdvisory()
	defer c.Close()

	result := c.Services.Advisory.AnalyzeCrop(ctx, req)

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func adviseRequest(cmd *cobra.Command) (advisory.Request, error) {
	req := advisory.Request{
		ImageURL:       strings.TrimSpace(adviseImage),
		CropType:       adviseCrop,
		GrowthStage:    adviseStage,
		Description:    adviseDescription,
		SoilType:       adviseSoilType,
		IrrigationType: adviseIrrigation,
		WeatherContext: adviseWeather,
		Symptoms:       adviseSymptoms,
	}
	if req.ImageURL == "" {
		return req, errors.Wrap(errors.ErrInvalidInput, "--image is required")
	}

	flags := cmd.Flags()
	if flags.Changed("lat") != flags.Changed("lon") {
		return req, errors.Wrap(errors.ErrInvalidInput, "--lat and --lon go together")
	}
	if flags.Changed("lat") {
		req.Location = &advisory.Coordinates{Latitude: adviseLat, Longitude: adviseLon}
	}

	if adviseSoil != "" {
		soil, err := ml.ParseSoilFeatures(adviseSoil)
		if err != nil {
			return req, err
		}
		req.Soil = &soil
	}
	return req, nil
}
